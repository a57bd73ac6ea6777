package profile

import "time"

// Song is a favorite piece of music on a patient's record.
type Song struct {
	Title  string `json:"title" yaml:"title"`
	Artist string `json:"artist" yaml:"artist"`
}

type FavoriteThings struct {
	Activity string `json:"activity,omitempty" yaml:"activity,omitempty"`
	Place    string `json:"place,omitempty" yaml:"place,omitempty"`
	Person   string `json:"person,omitempty" yaml:"person,omitempty"`
	Era      string `json:"era,omitempty" yaml:"era,omitempty"`
	Food     string `json:"food,omitempty" yaml:"food,omitempty"`
}

type Contact struct {
	Name         string `json:"name" yaml:"name"`
	Relationship string `json:"relationship" yaml:"relationship"`
	Phone        string `json:"phone" yaml:"phone"`
}

// PatientRecord is the caregiver-maintained record as held by the patient
// store. The call core only reads it.
type PatientRecord struct {
	ID                string          `json:"id" yaml:"id"`
	Name              string          `json:"name" yaml:"name"`
	PreferredName     string          `json:"preferred_name,omitempty" yaml:"preferred_name,omitempty"`
	Age               int             `json:"age" yaml:"age"`
	Stage             string          `json:"stage,omitempty" yaml:"stage,omitempty"`
	Diagnosis         string          `json:"diagnosis,omitempty" yaml:"diagnosis,omitempty"`
	Location          string          `json:"location,omitempty" yaml:"location,omitempty"`
	ComfortMemories   []string        `json:"comfort_memories,omitempty" yaml:"comfort_memories,omitempty"`
	Triggers          []string        `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	CalmingStrategies []string        `json:"calming_strategies,omitempty" yaml:"calming_strategies,omitempty"`
	FavoriteSongs     []Song          `json:"favorite_songs,omitempty" yaml:"favorite_songs,omitempty"`
	FavoriteThings    FavoriteThings  `json:"favorite_things,omitempty" yaml:"favorite_things,omitempty"`
	VoicePreference   VoicePreference `json:"voice_preference,omitempty" yaml:"voice_preference,omitempty"`
	EmergencyContacts []Contact       `json:"emergency_contacts,omitempty" yaml:"emergency_contacts,omitempty"`
	DoctorName        string          `json:"doctor_name,omitempty" yaml:"doctor_name,omitempty"`
	DoctorPhone       string          `json:"doctor_phone,omitempty" yaml:"doctor_phone,omitempty"`
}

// Mood values logged by caregivers.
const (
	MoodGreat     = "great"
	MoodGood      = "good"
	MoodOkay      = "okay"
	MoodDifficult = "difficult"
	MoodVeryHard  = "very_hard"
)

// Note tags with summary priority.
const (
	TagEmergency = "emergency"
	TagBehavior  = "behavior"
	TagMedical   = "medical"
)

// DayLayout is the calendar-day key used by tracking entries.
const DayLayout = "2006-01-02"

type MoodEntry struct {
	ID        string    `json:"id"`
	Day       string    `json:"day"`
	Mood      string    `json:"mood"`
	TimeOfDay string    `json:"time_of_day,omitempty"`
	Note      string    `json:"note,omitempty"`
	LoggedAt  time.Time `json:"logged_at"`
}

type NoteEntry struct {
	ID        string    `json:"id"`
	Day       string    `json:"day"`
	Tag       string    `json:"tag,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type Activity struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Summary string    `json:"summary,omitempty"`
	At      time.Time `json:"at"`
}

// TrackingWindow is the recent care-tracking data resolved by the patient
// store for one call. Days is the trailing mood window, today included.
type TrackingWindow struct {
	Reference  time.Time   `json:"reference"`
	Days       int         `json:"days"`
	Moods      []MoodEntry `json:"moods,omitempty"`
	Notes      []NoteEntry `json:"notes,omitempty"`
	Activities []Activity  `json:"activities,omitempty"`
}

// PatientProfile is the flattened, default-filled snapshot a single call is
// built from.
type PatientProfile struct {
	PatientID         string          `json:"patient_id"`
	Name              string          `json:"name"`
	PreferredName     string          `json:"preferred_name"`
	Age               int             `json:"age"`
	DiagnosisStage    string          `json:"diagnosis_stage,omitempty"`
	Location          string          `json:"location,omitempty"`
	CoreIdentity      string          `json:"core_identity"`
	SafePlace         string          `json:"safe_place"`
	ComfortMemory     string          `json:"comfort_memory"`
	CommonTrigger     string          `json:"common_trigger"`
	CalmingStrategies string          `json:"calming_strategies"`
	CalmingTopics     []string        `json:"calming_topics"`
	AvoidTopics       []string        `json:"avoid_topics,omitempty"`
	VoicePreference   VoicePreference `json:"voice_preference"`
	EmergencyContacts []Contact       `json:"emergency_contacts,omitempty"`
	DoctorName        string          `json:"doctor_name,omitempty"`
	DoctorPhone       string          `json:"doctor_phone,omitempty"`
	FavoriteMusic     []Song          `json:"favorite_music,omitempty"`
	RecentMoodSummary string          `json:"recent_mood_summary"`
	NotesSummary      string          `json:"notes_summary"`
	RecentActivities  []string        `json:"recent_activities,omitempty"`
	HasDifficultMood  bool            `json:"has_difficult_mood"`
	HasEmergencyNote  bool            `json:"has_emergency_note"`
}
