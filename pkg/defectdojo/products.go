package defectdojo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultProductType is used when a ProductSpec leaves Type unset.
const DefaultProductType = 1

type Product struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	ProdType    int    `json:"prod_type"`
	Description string `json:"description"`
}

type ProductSpec struct {
	Name        string
	Type        int
	Description string
}

type Engagement struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Product     int    `json:"product"`
	TargetStart string `json:"target_start"`
	TargetEnd   string `json:"target_end"`
}

// Default engagement window, used when an EngagementSpec leaves it unset.
const (
	DefaultEngagementStart = "2023-01-19"
	DefaultEngagementEnd   = "2023-01-26"
)

type EngagementSpec struct {
	Name      string
	ProductID int
	Start     string
	End       string
}

// pageSize is the limit asked for on list endpoints. The backend may cap it.
const pageSize = 100

// maxPages bounds how many pagination links a single listing follows.
const maxPages = 1000

type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// listAll reads every page of a list endpoint, following the next links.
func listAll[T any](ctx context.Context, s *Session, path string, q url.Values) ([]T, error) {
	q.Set("limit", strconv.Itoa(pageSize))
	var resp page[T]
	if err := s.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	out := resp.Results
	for pages := 1; resp.Next != nil && *resp.Next != ""; pages++ {
		if pages >= maxPages {
			return nil, fmt.Errorf("%s: more than %d pages", path, maxPages)
		}
		next, err := s.client.pageURL(*resp.Next)
		if err != nil {
			return nil, err
		}
		req, err := s.client.newRequestURL(ctx, http.MethodGet, next, nil, s.token)
		if err != nil {
			return nil, err
		}
		resp = page[T]{}
		if err := s.client.send(req, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Results...)
	}
	return out, nil
}

// ListProducts returns every product the backend matches for name, across
// all result pages. The backend filter is not exact.
func (s *Session) ListProducts(ctx context.Context, name string) ([]Product, error) {
	return listAll[Product](ctx, s, "/products/", url.Values{"name": {name}})
}

// FindProductByName returns the first product named exactly name, or nil.
func (s *Session) FindProductByName(ctx context.Context, name string) (*Product, error) {
	products, err := s.ListProducts(ctx, name)
	if err != nil {
		return nil, err
	}
	for i := range products {
		if products[i].Name == name {
			return &products[i], nil
		}
	}
	return nil, nil
}

func (s *Session) CreateProduct(ctx context.Context, spec ProductSpec) (*Product, error) {
	if spec.Type == 0 {
		s.client.logger.Warn().Str("product", spec.Name).Msg("Product type not provided, defaulting to 1")
		spec.Type = DefaultProductType
	}
	if spec.Description == "" {
		spec.Description = spec.Name
	}
	s.client.logger.Info().Str("product", spec.Name).Msg("Creating defectdojo product")

	body := map[string]any{
		"name":        spec.Name,
		"prod_type":   spec.Type,
		"description": spec.Description,
	}
	var created Product
	if err := s.do(ctx, http.MethodPost, "/products/", nil, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListEngagements returns the backend matches for name across all result
// pages, scoped to productID when it is non-zero.
func (s *Session) ListEngagements(ctx context.Context, name string, productID int) ([]Engagement, error) {
	q := url.Values{"name": {name}}
	if productID != 0 {
		q.Set("product", strconv.Itoa(productID))
	}
	return listAll[Engagement](ctx, s, "/engagements/", q)
}

// FindEngagementByName returns the first engagement named exactly name, or nil.
func (s *Session) FindEngagementByName(ctx context.Context, name string, productID int) (*Engagement, error) {
	engagements, err := s.ListEngagements(ctx, name, productID)
	if err != nil {
		return nil, err
	}
	for i := range engagements {
		if engagements[i].Name == name {
			return &engagements[i], nil
		}
	}
	return nil, nil
}

func (s *Session) CreateEngagement(ctx context.Context, spec EngagementSpec) (*Engagement, error) {
	if spec.Start == "" {
		spec.Start = DefaultEngagementStart
	}
	if spec.End == "" {
		spec.End = DefaultEngagementEnd
	}
	s.client.logger.Info().Str("engagement", spec.Name).Int("product_id", spec.ProductID).Msg("Creating defectdojo engagement")

	body := map[string]any{
		"name":         spec.Name,
		"target_start": spec.Start,
		"target_end":   spec.End,
		"product":      spec.ProductID,
	}
	var created Engagement
	if err := s.do(ctx, http.MethodPost, "/engagements/", nil, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}
