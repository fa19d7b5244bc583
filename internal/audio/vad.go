package audio

// VADConfig tunes the energy-based speech detector
type VADConfig struct {
	// EnergyThreshold is the RMS level above which a frame counts as speech
	EnergyThreshold float64

	// SpeechFrames is how many consecutive loud frames start speech.
	// More than one keeps clicks and pops from triggering.
	SpeechFrames int

	// SilenceFrames is how many consecutive quiet frames end speech
	SilenceFrames int
}

// DefaultVADConfig suits 20ms frames of 16kHz microphone audio
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 700.0,
		SpeechFrames:    3,  // 60ms
		SilenceFrames:   25, // 500ms
	}
}

// VADDetector tracks speech onsets across capture frames.
// It is not safe for concurrent use.
type VADDetector struct {
	config   VADConfig
	loud     int
	quiet    int
	speaking bool
}

// NewVADDetector creates a detector; zero fields fall back to defaults
func NewVADDetector(config VADConfig) *VADDetector {
	def := DefaultVADConfig()
	if config.EnergyThreshold <= 0 {
		config.EnergyThreshold = def.EnergyThreshold
	}
	if config.SpeechFrames <= 0 {
		config.SpeechFrames = def.SpeechFrames
	}
	if config.SilenceFrames <= 0 {
		config.SilenceFrames = def.SilenceFrames
	}
	return &VADDetector{config: config}
}

// Process consumes one s16le frame and reports speech onset and end
func (v *VADDetector) Process(pcm []byte) (started, ended bool) {
	samples, err := BytesToSamples(pcm)
	if err != nil || len(samples) == 0 {
		return false, false
	}

	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.quiet = 0
		v.loud++
		if !v.speaking && v.loud >= v.config.SpeechFrames {
			v.speaking = true
			return true, false
		}
		return false, false
	}

	v.loud = 0
	v.quiet++
	if v.speaking && v.quiet >= v.config.SilenceFrames {
		v.speaking = false
		v.quiet = 0
		return false, true
	}
	return false, false
}

// Speaking reports whether the detector is inside a speech segment
func (v *VADDetector) Speaking() bool {
	return v.speaking
}

// Reset forgets any partial segment
func (v *VADDetector) Reset() {
	v.loud, v.quiet = 0, 0
	v.speaking = false
}
