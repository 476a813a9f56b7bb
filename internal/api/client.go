// Package api is the typed client for the transit booking REST API.
//
// Every operation maps to exactly one HTTP call and returns an Envelope. The
// client does not retry, cache or classify errors; see package query for that.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/transit_layer/internal/httputil"
)

// BasePath is the API prefix appended to the server URL.
const BasePath = "/api"

// PhotoField is the multipart field name of profile photo uploads.
const PhotoField = "photo"

// Client exposes the transit API operations.
type Client struct {
	http *httputil.Client
}

// Config configures New.
type Config struct {
	ServerURL  string
	Tokens     httputil.TokenSource
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// New creates a client for cfg.ServerURL + BasePath.
func New(cfg Config) *Client {
	return NewClient(httputil.NewClient(httputil.ClientConfig{
		BaseURL:    strings.TrimSuffix(cfg.ServerURL, "/") + BasePath,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
		Tokens:     cfg.Tokens,
		UserAgent:  cfg.UserAgent,
	}))
}

// NewClient wraps an existing transport.
func NewClient(h *httputil.Client) *Client {
	return &Client{http: h}
}

// GetSchedules lists departures matching p.
func (c *Client) GetSchedules(ctx context.Context, p ScheduleParams) (Envelope[[]Schedule], error) {
	resp, err := c.http.Get(ctx, "/schedules", p.Query())
	return decode[[]Schedule](resp, err)
}

// GetProfile returns the signed-in user's profile.
func (c *Client) GetProfile(ctx context.Context) (Envelope[User], error) {
	resp, err := c.http.Get(ctx, "/me/profile", nil)
	return decode[User](resp, err)
}

// UpdateProfile overwrites the given profile fields.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (Envelope[User], error) {
	resp, err := c.http.Put(ctx, "/me/profile", update)
	return decode[User](resp, err)
}

// UploadPhoto sends the photo as a single multipart file field.
func (c *Client) UploadPhoto(ctx context.Context, photo PhotoFile) (Envelope[PhotoUploadResult], error) {
	if photo.Content == nil {
		return Envelope[PhotoUploadResult]{}, errors.New("photo content is required")
	}
	name := photo.Name
	if name == "" {
		name = PhotoField
	}

	body, err := httputil.MultipartFile(PhotoField, name, photo.ContentType, photo.Content)
	if err != nil {
		return Envelope[PhotoUploadResult]{}, err
	}

	resp, err := c.http.Do(ctx, http.MethodPost, "/me/profile/photo", nil, body)
	return decode[PhotoUploadResult](resp, err)
}

func decode[T any](resp *httputil.Response, err error) (Envelope[T], error) {
	var env Envelope[T]
	if resp != nil {
		env.Status = resp.StatusCode
	}
	if err != nil {
		return env, err
	}
	if err := resp.JSON(&env.Data); err != nil {
		return env, err
	}
	return env, nil
}
