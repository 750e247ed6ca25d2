package orchestrator

import (
	"github.com/google/uuid"

	"github.com/bosley/healthas/appointments"
	"github.com/bosley/healthas/conversation"
	"github.com/bosley/healthas/recorder"
)

type RecordingView struct {
	State   recorder.State `json:"state"`
	Elapsed string         `json:"elapsed"`
}

// View is everything a renderer needs, taken at one point in time.
type View struct {
	Conversation conversation.Snapshot `json:"conversation"`
	Appointments appointments.State    `json:"appointments"`
	Recording    RecordingView         `json:"recording"`
	Draft        appointments.Draft    `json:"draft"`
	UploadStatus string                `json:"uploadStatus"`
	SelectedFile string                `json:"selectedFile,omitempty"`
	Banner       string                `json:"banner,omitempty"`
	InFlight     int64                 `json:"inFlight"`
}

func (o *Orchestrator) View() View {
	v := View{
		Conversation: o.conv.Snapshot(),
		Appointments: o.appts.State(),
		Recording: RecordingView{
			State:   o.recorder.State(),
			Elapsed: o.recorder.Elapsed(),
		},
		InFlight: o.inFlight.Load(),
	}

	o.mu.Lock()
	v.Draft = o.draft
	v.UploadStatus = o.uploadStatus
	v.Banner = o.banner
	if o.selected != nil {
		v.SelectedFile = o.selected.Name
	}
	o.mu.Unlock()

	return v
}

// Subscribe registers fn to receive a fresh View after every change. fn must
// not call back into mutating methods.
func (o *Orchestrator) Subscribe(fn func(View)) func() {
	id := uuid.New()
	o.notifyMu.Lock()
	o.observers[id] = fn
	o.notifyMu.Unlock()

	return func() {
		o.notifyMu.Lock()
		delete(o.observers, id)
		o.notifyMu.Unlock()
	}
}

func (o *Orchestrator) notify() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	if len(o.observers) == 0 {
		return
	}
	v := o.View()
	for _, fn := range o.observers {
		fn(v)
	}
}
