// Package twiml builds the XML voice-response documents the telephony
// provider fetches at call time.
package twiml

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Header is prepended to every document.
const Header = xml.Header

// OptOutDigit ends future broadcasts for the callee when pressed during
// the gather window.
const OptOutDigit = "9"

// Response is the root element of a voice script.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks text to the callee.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Play streams an audio URL.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Gather captures DTMF digits and posts them to Action.
type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	NumDigits int      `xml:"numDigits,attr"`
	Timeout   int      `xml:"timeout,attr"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Verbs     []any
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Generator renders broadcast call scripts.
type Generator struct {
	keypressURL string
	probeClient *http.Client
	logger      *slog.Logger
}

// NewGenerator creates a Generator posting keypresses to keypressURL.
func NewGenerator(keypressURL string, logger *slog.Logger) *Generator {
	return &Generator{
		keypressURL: keypressURL,
		probeClient: &http.Client{
			Timeout: 3 * time.Second,
		},
		logger: logger.With("subsystem", "twiml"),
	}
}

// Broadcast renders the call-time script: disclaimer, a single-digit
// opt-out gather, the campaign audio, hangup. A missing audioURL yields
// the error document instead.
func (g *Generator) Broadcast(ctx context.Context, audioURL, disclaimer string) ([]byte, error) {
	if audioURL == "" {
		return g.ErrorDocument(), nil
	}
	g.probeAudio(ctx, audioURL)

	verbs := []any{}
	if disclaimer != "" {
		verbs = append(verbs, Say{Text: disclaimer})
	}
	verbs = append(verbs,
		Gather{
			NumDigits: 1,
			Timeout:   3,
			Action:    g.keypressURL,
			Method:    http.MethodPost,
			Verbs: []any{
				Say{Text: "Press 9 to stop receiving these calls."},
			},
		},
		Play{URL: audioURL},
		Hangup{},
	)
	return render(verbs)
}

// OptOutConfirmation confirms removal after the callee pressed the
// opt-out digit.
func (g *Generator) OptOutConfirmation() []byte {
	doc, _ := render([]any{
		Say{Text: "You have been removed from this call list. Goodbye."},
		Hangup{},
	})
	return doc
}

// InvalidOption answers any digit other than the opt-out digit.
func (g *Generator) InvalidOption() []byte {
	doc, _ := render([]any{
		Say{Text: "Invalid option. Goodbye."},
		Hangup{},
	})
	return doc
}

// ErrorDocument is the fallback script spoken when rendering fails.
func (g *Generator) ErrorDocument() []byte {
	doc, _ := render([]any{
		Say{Text: "We are sorry, an application error occurred. Goodbye."},
		Hangup{},
	})
	return doc
}

// WriteResponse writes a document with the provider-required headers.
func WriteResponse(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(doc)
}

// probeAudio checks that the audio URL answers a HEAD within 3 seconds.
// Failures only log; the provider will surface an unreachable URL as a
// failed playback anyway.
func (g *Generator) probeAudio(ctx context.Context, audioURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, audioURL, nil)
	if err != nil {
		g.logger.Warn("audio probe skipped", "url", audioURL, "error", err)
		return
	}
	resp, err := g.probeClient.Do(req)
	if err != nil {
		g.logger.Warn("audio url unreachable", "url", audioURL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		g.logger.Warn("audio url answered with error", "url", audioURL, "status", resp.StatusCode)
	}
}

func render(verbs []any) ([]byte, error) {
	body, err := xml.MarshalIndent(Response{Verbs: verbs}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rendering voice script: %w", err)
	}
	return append([]byte(Header), body...), nil
}
