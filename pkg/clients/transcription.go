package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
)

// DefaultPollInterval is how often Transcribe re-reads the status.
const DefaultPollInterval = 5 * time.Second

// TranscriptionClient drives the transcription service. It implements
// engine.TranscriptionService.
type TranscriptionClient struct {
	c            *client
	pollInterval time.Duration
}

// NewTranscriptionClient creates a transcription client. A zero pollInterval
// uses DefaultPollInterval.
func NewTranscriptionClient(opts Options, pollInterval time.Duration) (*TranscriptionClient, error) {
	c, err := newClient(opts, "transcription-client")
	if err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &TranscriptionClient{c: c, pollInterval: pollInterval}, nil
}

func fichePath(ficheID, suffix string) string {
	return "/fiches/" + url.PathEscape(ficheID) + suffix
}

// Status reports the transcription progress of a fiche.
func (t *TranscriptionClient) Status(ctx context.Context, ficheID string) (*engine.TranscriptionStatus, error) {
	var status engine.TranscriptionStatus
	if err := t.c.do(ctx, http.MethodGet, fichePath(ficheID, "/transcription"), nil, &status); err != nil {
		return nil, t.notFound(err, ficheID)
	}
	status.FicheID = ficheID
	return &status, nil
}

// Transcribe starts transcription of the pending recordings and polls until
// every recording is transcribed or ctx ends.
func (t *TranscriptionClient) Transcribe(ctx context.Context, ficheID string) error {
	if err := t.c.do(ctx, http.MethodPost, fichePath(ficheID, "/transcription"), nil, nil); err != nil {
		return t.notFound(err, ficheID)
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		status, err := t.Status(ctx, ficheID)
		if err != nil {
			return err
		}
		if status.Complete() {
			return nil
		}

		t.c.logger.Debug().
			Str("fiche_id", ficheID).
			Int("transcribed", status.Transcribed).
			Int("total", status.Total).
			Msg("Waiting for transcription")

		select {
		case <-ctx.Done():
			return engine.NewTransientError("transcription did not finish in time", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithResource(ficheID)
		case <-ticker.C:
		}
	}
}

// Recordings returns the recordings of a fiche with their transcripts.
func (t *TranscriptionClient) Recordings(ctx context.Context, ficheID string) ([]engine.Recording, error) {
	var resp struct {
		Recordings []engine.Recording `json:"recordings"`
	}
	if err := t.c.do(ctx, http.MethodGet, fichePath(ficheID, "/recordings"), nil, &resp); err != nil {
		return nil, t.notFound(err, ficheID)
	}
	return resp.Recordings, nil
}

func (t *TranscriptionClient) notFound(err error, ficheID string) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", engine.ErrFicheNotFound, ficheID)
	}
	return err
}
