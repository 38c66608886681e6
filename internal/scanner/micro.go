package scanner

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/johbar/scan-ocr-service/internal/config"
	"github.com/johbar/scan-ocr-service/internal/history"
)

const (
	queueGroup = config.AppName
	// request header carrying the JSON encoded Request of a recognize call
	HeaderOptions = "Scan-Options"
)

// RegisterNatsService exposes recognition and the history as a NATS micro service
func (s *Scanner) RegisterNatsService(nc *nats.Conn, version string) (micro.Service, error) {
	svc, err := micro.AddService(nc, micro.Config{
		Name:        config.AppName,
		Version:     version,
		Description: "Recognizes text in images and scanned PDFs",
	})
	if err != nil {
		return nil, err
	}
	endpoints := []struct {
		name    string
		handler micro.HandlerFunc
	}{
		{"recognize", s.handleRecognize},
		{"scans", s.handleScans},
		{"scan", s.handleScan},
		{"languages", s.handleLanguages},
		{"stats", s.handleStats},
	}
	for _, ep := range endpoints {
		if err := svc.AddEndpoint(ep.name, ep.handler, micro.WithEndpointQueueGroup(queueGroup)); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (s *Scanner) respondError(req micro.Request, err error) {
	p := Describe(err)
	s.log.Warn("NATS request failed", "subject", req.Subject(), "err", err)
	body, _ := json.Marshal(p)
	req.Error(strconv.Itoa(p.Status), p.Message, body)
}

func (s *Scanner) respondJSON(req micro.Request, v any) {
	if err := req.RespondJSON(v); err != nil {
		s.log.Error("Could not respond", "subject", req.Subject(), "err", err)
	}
}

// handleRecognize expects the image as payload and optional options in a header
func (s *Scanner) handleRecognize(req micro.Request) {
	var r Request
	if opts := req.Headers().Get(HeaderOptions); opts != "" {
		if err := json.Unmarshal([]byte(opts), &r); err != nil {
			s.respondError(req, badRequest(err))
			return
		}
	}
	if err := r.Validate(); err != nil {
		s.respondError(req, err)
		return
	}
	timeout := s.conf.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Info("Received NATS request", "subject", req.Subject(), "bytes", len(req.Data()))
	out, err := s.ProcessImage(ctx, req.Data(), "NATS request", r)
	if err != nil {
		s.respondError(req, err)
		return
	}
	s.respondJSON(req, out)
}

// handleScans lists the history. The payload is an optional JSON filter.
func (s *Scanner) handleScans(req micro.Request) {
	var f history.Filter
	if len(req.Data()) > 0 {
		if err := json.Unmarshal(req.Data(), &f); err != nil {
			s.respondError(req, badRequest(err))
			return
		}
	}
	if err := validate.Struct(f); err != nil {
		s.respondError(req, badRequest(err))
		return
	}
	page, err := s.GetAllScans(context.Background(), f)
	if err != nil {
		s.respondError(req, err)
		return
	}
	s.respondJSON(req, page)
}

// handleScan returns the scan whose ID is the payload
func (s *Scanner) handleScan(req micro.Request) {
	id, err := strconv.ParseInt(string(req.Data()), 10, 64)
	if err != nil {
		s.respondError(req, badRequest(err))
		return
	}
	scan, err := s.GetScan(context.Background(), id)
	if err != nil {
		s.respondError(req, err)
		return
	}
	s.respondJSON(req, scan)
}

func (s *Scanner) handleLanguages(req micro.Request) {
	langs, err := s.ListLanguages(string(req.Data()) == "installed")
	if err != nil {
		s.respondError(req, err)
		return
	}
	s.respondJSON(req, langs)
}

func (s *Scanner) handleStats(req micro.Request) {
	st, err := s.Stats(context.Background())
	if err != nil {
		s.respondError(req, err)
		return
	}
	s.respondJSON(req, st)
}
