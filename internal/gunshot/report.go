package gunshot

import (
	"errors"
	"fmt"

	"github.com/banshee-data/gunshot.report/internal/geo"
)

var (
	ErrMissingWeaponType = errors.New("weapon type is required")
	ErrMissingClientID   = errors.New("client id is required")
	ErrInvalidTimestamp  = errors.New("timestamp must be a positive UNIX time in milliseconds")
)

// Report is a single gunshot sighting from one client device. It is
// immutable once created.
type Report struct {
	Position geo.Position `json:"position"`
	// TimestampMs is the client's clock in UNIX milliseconds. Clocks are
	// not assumed to be synchronised across clients.
	TimestampMs int64  `json:"timestamp"`
	WeaponType  string `json:"weapon_type"`
	ClientID    string `json:"client_id"`
}

// Validate rejects reports that must not enter the engine.
func (r Report) Validate() error {
	if err := r.Position.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	if r.TimestampMs <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidTimestamp, r.TimestampMs)
	}
	if r.WeaponType == "" {
		return ErrMissingWeaponType
	}
	if r.ClientID == "" {
		return ErrMissingClientID
	}
	return nil
}

func (r Report) String() string {
	return fmt.Sprintf("gunshot of type %s detected at %d by client %s at %s",
		r.WeaponType, r.TimestampMs, r.ClientID, r.Position)
}

// StoredReport is a Report after storage assigned it an id.
type StoredReport struct {
	ID int64 `json:"report_id"`
	Report
}
