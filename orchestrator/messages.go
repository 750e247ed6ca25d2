package orchestrator

// User-facing text. These strings are shown verbatim.
const (
	VoicePlaceholder = "Processing your voice message..."
	VoiceFallback    = "Sorry, there was an error processing your voice message. Please try again or type your message instead."

	ChatFallback = "Sorry, there was an error processing your request. Please ensure the API server is running."

	ImagePrompt      = "What do you see in this medical image?"
	ImagePlaceholder = "Analyzing your image..."
	ImageEcho        = "Uploaded an image for analysis."
	ImageFallback    = "Sorry, there was an error analyzing your image. Please ensure the API server is running."

	StatusSelectImage  = "Please select an image file."
	StatusUploading    = "Uploading..."
	StatusUploaded     = "Image uploaded and analyzed successfully!"
	StatusUploadFailed = "Error uploading image. Please ensure the API server is running."

	BannerMicrophone = "Unable to access microphone. Please ensure you have granted microphone permissions."
	BannerFetch      = "Unable to connect to the server. Please ensure the API server is running."
	BannerCreate     = "Failed to create appointment. Please ensure the API server is running."
	BannerUpdate     = "Failed to update appointment. Please ensure the API server is running."
	BannerDelete     = "Failed to delete appointment. Please ensure the API server is running."
)
