package clients

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
)

// ErrNoProduct is returned when the fiche has no linked product.
var ErrNoProduct = errors.New("no product linked to fiche")

// ProductClient resolves fiche products. It implements engine.ProductResolver.
type ProductClient struct {
	c *client
}

// NewProductClient creates a product client.
func NewProductClient(opts Options) (*ProductClient, error) {
	c, err := newClient(opts, "product-client")
	if err != nil {
		return nil, err
	}
	return &ProductClient{c: c}, nil
}

// Resolve looks the product up by the fiche's product code, falling back to
// the fiche id when the fiche carries no code.
func (p *ProductClient) Resolve(ctx context.Context, fiche *engine.Fiche) (*engine.Product, error) {
	if fiche == nil {
		return nil, ErrNoProduct
	}

	q := url.Values{}
	if fiche.ProductCode != "" {
		q.Set("code", fiche.ProductCode)
	} else {
		q.Set("fiche_id", fiche.ID)
	}

	var product engine.Product
	err := p.c.do(ctx, http.MethodGet, "/products/resolve?"+q.Encode(), nil, &product)
	if isNotFound(err) {
		return nil, ErrNoProduct
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}
