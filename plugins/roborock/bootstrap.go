package roborock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joshp123/gohome-vacuum/internal/blob"
)

const bootstrapSchemaVersion = 1

var ErrBootstrapMissing = errors.New("roborock bootstrap not found")

// BootstrapState captures persisted Roborock login state.
type BootstrapState struct {
	SchemaVersion int             `json:"schema_version"`
	Username      string          `json:"username"`
	UserData      json.RawMessage `json:"user_data"`
	BaseURL       string          `json:"base_url"`
}

func ParseBootstrap(data []byte) (BootstrapState, error) {
	var state BootstrapState
	if err := json.Unmarshal(data, &state); err != nil {
		return BootstrapState{}, fmt.Errorf("parse roborock bootstrap: %w", err)
	}
	if err := state.Validate(); err != nil {
		return BootstrapState{}, err
	}
	return state, nil
}

func (s BootstrapState) Validate() error {
	if s.SchemaVersion != bootstrapSchemaVersion {
		return fmt.Errorf("unsupported roborock bootstrap schema_version %d", s.SchemaVersion)
	}
	if s.Username == "" {
		return fmt.Errorf("roborock bootstrap missing username")
	}
	if len(s.UserData) == 0 {
		return fmt.Errorf("roborock bootstrap missing user_data")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("roborock bootstrap missing base_url")
	}
	return nil
}

// Encode validates the state and renders the stored JSON document.
func (s BootstrapState) Encode() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode roborock bootstrap: %w", err)
	}
	return data, nil
}

// LoadBootstrap reads and validates the bootstrap document stored under key.
func LoadBootstrap(ctx context.Context, store blob.Store, key string) (BootstrapState, error) {
	data, err := store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return BootstrapState{}, fmt.Errorf("%w: run `gohome roborock bootstrap` first", ErrBootstrapMissing)
		}
		return BootstrapState{}, fmt.Errorf("read roborock bootstrap: %w", err)
	}
	return ParseBootstrap(data)
}

// SaveBootstrap validates state and writes it under key.
func SaveBootstrap(ctx context.Context, store blob.Store, key string, state BootstrapState) error {
	data, err := state.Encode()
	if err != nil {
		return err
	}
	if err := store.Save(ctx, key, data); err != nil {
		return fmt.Errorf("write roborock bootstrap: %w", err)
	}
	return nil
}

// UserData is the login result persisted in the bootstrap document. RRIOT
// holds the IoT credentials and the API and broker URLs.
type UserData struct {
	UID         int64       `json:"uid"`
	TokenType   string      `json:"tokentype"`
	Token       string      `json:"token"`
	RRUID       string      `json:"rruid"`
	Region      string      `json:"region"`
	CountryCode looseString `json:"countrycode"`
	Country     string      `json:"country"`
	Nickname    string      `json:"nickname"`
	RRIOT       RRiot       `json:"rriot"`
}

type RRiot struct {
	U string    `json:"u"`
	S string    `json:"s"`
	H string    `json:"h"`
	K string    `json:"k"`
	R Reference `json:"r"`
}

// Reference lists the region's endpoints: A is the IoT API, M the MQTT broker.
type Reference struct {
	R string `json:"r"`
	A string `json:"a"`
	M string `json:"m"`
	L string `json:"l"`
}

func parseUserData(raw json.RawMessage) (*UserData, error) {
	var data UserData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse user data: %w", err)
	}
	if data.RRIOT.U == "" || data.RRIOT.S == "" || data.RRIOT.H == "" || data.RRIOT.K == "" {
		return nil, errors.New("user data missing rriot fields")
	}
	return &data, nil
}

// Bootstrap logs in with an emailed code and returns the state to persist.
func Bootstrap(ctx context.Context, api *WebAPI, username, code string) (BootstrapState, error) {
	raw, err := api.Login(ctx, code)
	if err != nil {
		return BootstrapState{}, fmt.Errorf("roborock login: %w", err)
	}
	if _, err := parseUserData(raw); err != nil {
		return BootstrapState{}, err
	}
	baseURL, err := api.BaseURL(ctx)
	if err != nil {
		return BootstrapState{}, err
	}
	state := BootstrapState{
		SchemaVersion: bootstrapSchemaVersion,
		Username:      username,
		UserData:      raw,
		BaseURL:       baseURL,
	}
	return state, state.Validate()
}
