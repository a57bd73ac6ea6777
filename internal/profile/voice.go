package profile

import "strings"

type VoicePreference string

const (
	VoiceWarmFemale VoicePreference = "warm_female"
	VoiceWarmMale   VoicePreference = "warm_male"
	VoiceNeutral    VoicePreference = "neutral"
)

// legacyFemaleNames backs the name-based voice inference kept for records
// created before caregivers could set a preference.
var legacyFemaleNames = []string{"margaret", "dorothy", "mary", "elizabeth", "patricia"}

func resolveVoice(record PatientRecord, opts Options) VoicePreference {
	if pref := VoicePreference(strings.TrimSpace(string(record.VoicePreference))); pref != "" {
		return pref
	}
	if opts.InferVoiceFromName {
		return inferVoiceFromName(record.Name)
	}
	if opts.DefaultVoice != "" {
		return opts.DefaultVoice
	}
	return VoiceNeutral
}

func inferVoiceFromName(name string) VoicePreference {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return VoiceWarmMale
	}
	first := strings.Trim(fields[0], `"'.,`)
	for _, candidate := range legacyFemaleNames {
		if first == candidate {
			return VoiceWarmFemale
		}
	}
	return VoiceWarmMale
}
