package synth

import (
	"context"
	"fmt"
)

// Params are applied uniformly to every segment of a run.
type Params struct {
	Exaggeration float64
	Temperature  float64
	CFGWeight    float64
	// Seed 0 asks the service for fresh randomness on every call.
	Seed        int64
	TrimSilence bool
}

// VoiceRef points at the cloning prompt for a run: a local file or a URL.
type VoiceRef struct {
	ID   string
	Path string
	URL  string
}

func (v VoiceRef) IsZero() bool { return v.Path == "" && v.URL == "" }

// Request contains parameters to synthesize one segment.
type Request struct {
	Text   string
	Voice  VoiceRef
	Params Params
}

// Session is a connection to a synthesis service owned by one run. It is
// opened at run start and closed at run end.
type Session interface {
	// Synthesize returns the WAV bytes produced for req.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
	Close() error
}

// Backend opens sessions against one kind of synthesis service.
type Backend interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// RemoteError carries a failure message reported by the service itself.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote synthesis failed"
	}
	return "remote synthesis failed: " + e.Message
}

// StatusError is a non-success HTTP response from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("synthesis service returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }
