package httputil

import (
	"net/http"
	"time"
)

// Clients holds one bounded client per collaborator so a slow service cannot
// stall the worker past its own timeout.
type Clients struct {
	AI       *http.Client
	Notion   *http.Client
	CRM      *http.Client
	Telegram *http.Client
}

func NewClients(aiTimeout time.Duration) *Clients {
	if aiTimeout <= 0 {
		aiTimeout = 90 * time.Second
	}
	return &Clients{
		AI:       &http.Client{Timeout: aiTimeout},
		Notion:   &http.Client{Timeout: 30 * time.Second},
		CRM:      &http.Client{Timeout: 30 * time.Second},
		Telegram: &http.Client{Timeout: 30 * time.Second},
	}
}
