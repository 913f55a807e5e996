package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
)

// CRMClient refreshes fiches from the CRM. It implements engine.FicheRefresher.
type CRMClient struct {
	c   *client
	now func() time.Time
}

// NewCRMClient creates a CRM client.
func NewCRMClient(opts Options) (*CRMClient, error) {
	c, err := newClient(opts, "crm-client")
	if err != nil {
		return nil, err
	}
	return &CRMClient{c: c, now: time.Now}, nil
}

// Refresh forces the CRM to re-read the fiche and returns the fresh copy.
func (r *CRMClient) Refresh(ctx context.Context, ficheID string) (*engine.Fiche, error) {
	var fiche engine.Fiche
	err := r.c.do(ctx, http.MethodPost, "/fiches/"+url.PathEscape(ficheID)+"/refresh", nil, &fiche)
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", engine.ErrFicheNotFound, ficheID)
	}
	if err != nil {
		return nil, err
	}
	if fiche.ID == "" {
		fiche.ID = ficheID
	}
	if fiche.RefreshedAt.IsZero() {
		fiche.RefreshedAt = r.now().UTC()
	}
	return &fiche, nil
}
