package model

import "time"

// LinkContent is the readable text extracted from an entry's webpage or
// repository page.
type LinkContent struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text"`
	StatusCode int       `json:"status_code"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Usable reports whether the content is worth rendering.
func (l LinkContent) Usable() bool {
	return l.StatusCode >= 200 && l.StatusCode < 300 && l.Text != ""
}
