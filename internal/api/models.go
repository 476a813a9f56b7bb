package api

import (
	"io"
	"net/url"
	"time"
)

// Envelope is the normalized result of every API call.
type Envelope[T any] struct {
	Data   T   `json:"data"`
	Status int `json:"status"`
}

// User is the profile record owned by the auth provider and mirrored by the API.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	PhoneNumber     string    `json:"phone_number,omitempty"`
	ProfilePhotoURL string    `json:"profile_photo_url,omitempty"`
	SchoolName      string    `json:"school_name,omitempty"`
	Role            string    `json:"role"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FullName joins the name parts.
func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	default:
		return u.FirstName + " " + u.LastName
	}
}

// ProfileUpdate is a partial profile write. Nil fields are not sent.
type ProfileUpdate struct {
	FirstName       *string `json:"first_name,omitempty"`
	LastName        *string `json:"last_name,omitempty"`
	PhoneNumber     *string `json:"phone_number,omitempty"`
	ProfilePhotoURL *string `json:"profile_photo_url,omitempty"`
	SchoolName      *string `json:"school_name,omitempty"`
}

// Empty reports whether the update carries no fields.
func (p ProfileUpdate) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.PhoneNumber == nil &&
		p.ProfilePhotoURL == nil && p.SchoolName == nil
}

// Schedule is a single departure.
type Schedule struct {
	ID            string    `json:"id"`
	DepartureTime time.Time `json:"departure_time"`
	Bus           Bus       `json:"bus"`
	Driver        Driver    `json:"driver"`
	Route         Route     `json:"route"`
}

type Bus struct {
	ID          string `json:"id"`
	PlateNumber string `json:"plate_number"`
	Capacity    int    `json:"capacity"`
}

type Driver struct {
	ID          string `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type Route struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

// ScheduleParams filters the schedule list. Both fields are optional.
type ScheduleParams struct {
	RouteID string `json:"route_id,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Values returns the non-empty filters keyed by their wire names.
func (p ScheduleParams) Values() map[string]string {
	out := make(map[string]string, 2)
	if p.RouteID != "" {
		out["route_id"] = p.RouteID
	}
	if p.Date != "" {
		out["date"] = p.Date
	}
	return out
}

// Query encodes the present filters; absent ones are omitted entirely.
func (p ScheduleParams) Query() url.Values {
	q := url.Values{}
	for k, v := range p.Values() {
		q.Set(k, v)
	}
	return q
}

// PhotoFile is a profile photo to upload.
type PhotoFile struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// PhotoUploadResult is returned by the photo upload endpoint.
type PhotoUploadResult struct {
	URL string `json:"url"`
}
