package media

// CaptureProfile is the fixed microphone capture constraint set the capturing
// client must apply. Automatic gain control is deliberately off to reduce
// false triggering on ambient noise; the profile is a product decision and is
// not configurable.
type CaptureProfile struct {
	EchoCancellation     bool `json:"echo_cancellation"`
	AutoGainControl      bool `json:"auto_gain_control"`
	NoiseSuppression     bool `json:"noise_suppression"`
	HighpassFilter       bool `json:"highpass_filter"`
	TypingNoiseDetection bool `json:"typing_noise_detection"`
	AudioMirroring       bool `json:"audio_mirroring"`
}

// DefaultCaptureProfile returns the mandated capture constraints.
func DefaultCaptureProfile() CaptureProfile {
	return CaptureProfile{
		EchoCancellation:     true,
		AutoGainControl:      false,
		NoiseSuppression:     true,
		HighpassFilter:       true,
		TypingNoiseDetection: true,
		AudioMirroring:       false,
	}
}
