package synth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Class is the retry category of a synthesis failure.
type Class int

const (
	// Other failures abandon the segment.
	Other Class = iota
	// Quota failures are retried after an extended cooldown.
	Quota
)

func (c Class) String() string {
	if c == Quota {
		return "quota"
	}
	return "other"
}

// Classifier decides how a synthesis failure is handled.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(error) Class

func (f ClassifierFunc) Classify(err error) Class { return f(err) }

// DefaultQuotaMarkers match the ZeroGPU messages of Hugging Face Spaces, e.g.
// "You have exceeded your GPU quota".
var DefaultQuotaMarkers = []string{"quota", "exceeded"}

// SubstringClassifier reports Quota when the error text contains any marker,
// ignoring case. Message matching is a heuristic and can misfire on
// unrelated errors that happen to contain a marker.
type SubstringClassifier struct {
	markers []string
}

func NewSubstringClassifier(markers ...string) SubstringClassifier {
	if len(markers) == 0 {
		markers = DefaultQuotaMarkers
	}
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	return SubstringClassifier{markers: lowered}
}

func (c SubstringClassifier) Classify(err error) Class {
	if err == nil {
		return Other
	}
	msg := strings.ToLower(err.Error())
	for _, m := range c.markers {
		if strings.Contains(msg, m) {
			return Quota
		}
	}
	return Other
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// StatusClassifier reports Quota for HTTP 429 responses.
type StatusClassifier struct{}

func (StatusClassifier) Classify(err error) Class {
	var coder StatusCoder
	if errors.As(err, &coder) && coder.StatusCode() == http.StatusTooManyRequests {
		return Quota
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return Quota
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return Quota
	}
	return Other
}

// Chain reports Quota if any member does.
type Chain []Classifier

func (c Chain) Classify(err error) Class {
	for _, cl := range c {
		if cl.Classify(err) == Quota {
			return Quota
		}
	}
	return Other
}

// IsTimeout reports whether err is a local deadline or network timeout. Their
// messages contain "exceeded" but they say nothing about the remote quota.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExcludeTimeouts reports Other for timeouts and defers to c otherwise.
func ExcludeTimeouts(c Classifier) Classifier {
	return ClassifierFunc(func(err error) Class {
		if IsTimeout(err) {
			return Other
		}
		return c.Classify(err)
	})
}

// NewClassifier combines status and message detection. Timeouts are never
// classified as quota.
func NewClassifier(markers []string) Classifier {
	return ExcludeTimeouts(Chain{StatusClassifier{}, NewSubstringClassifier(markers...)})
}
