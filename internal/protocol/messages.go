package protocol

import "time"

// RunRequest asks the daemon to narrate Text into one WAV file.
type RunRequest struct {
	RunID      string      `json:"run_id,omitempty"`
	Text       string      `json:"text"`
	VoiceURL   string      `json:"voice_url,omitempty"`
	VoiceAudio []byte      `json:"voice_audio,omitempty"`
	VoiceName  string      `json:"voice_name,omitempty"`
	Output     string      `json:"output,omitempty"`
	Options    *RunOptions `json:"options,omitempty"`
}

// RunOptions overrides the daemon's run defaults for one request. Nil fields
// keep the default.
type RunOptions struct {
	MaxCharsPerSegment    *int     `json:"max_chars_per_segment,omitempty"`
	Exaggeration          *float64 `json:"exaggeration,omitempty"`
	Temperature           *float64 `json:"temperature,omitempty"`
	CFGWeight             *float64 `json:"cfg_weight,omitempty"`
	Seed                  *int64   `json:"seed,omitempty"`
	TrimSilence           *bool    `json:"trim_silence,omitempty"`
	CooldownSeconds       *float64 `json:"cooldown_seconds,omitempty"`
	QuotaCooldownSeconds  *float64 `json:"quota_cooldown_seconds,omitempty"`
	MaxAttemptsPerSegment *int     `json:"max_attempts_per_segment,omitempty"`
}

// RunAccepted is the reply to a RunRequest.
type RunAccepted struct {
	RunID    string `json:"run_id,omitempty"`
	Queued   int    `json:"queued"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// RunProgress mirrors one segment transition.
type RunProgress struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	WaitMS    int64     `json:"wait_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunDone is published once per accepted run.
type RunDone struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	OutputPath string    `json:"output_path,omitempty"`
	Segments   int       `json:"segments"`
	Succeeded  int       `json:"succeeded"`
	Abandoned  int       `json:"abandoned"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunCancel stops a queued or running run.
type RunCancel struct {
	RunID string `json:"run_id"`
}

const (
	SubjectRunRequest        = "narrator.run.request"
	SubjectRunCancel         = "narrator.run.cancel"
	SubjectRunProgressPrefix = "narrator.run.progress"
	SubjectRunDone           = "narrator.run.done"
)

// ProgressSubject is where progress of runID is published.
func ProgressSubject(runID string) string {
	return SubjectRunProgressPrefix + "." + runID
}
