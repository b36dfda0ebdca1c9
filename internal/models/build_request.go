package models

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// BootMode selects how the installer fetches its answer file at boot.
type BootMode string

const (
	// BootModeHTTP makes the installer fetch the answer file over HTTP,
	// keyed on the job id.
	BootModeHTTP BootMode = "http"

	// BootModeFile bundles the answer file inside the boot ramdisk.
	BootModeFile BootMode = "file"
)

// Valid reports whether the boot mode is one of the supported values.
func (m BootMode) Valid() bool {
	return m == BootModeHTTP || m == BootModeFile
}

// BuildRequest represents a request to build a customized installer ISO
type BuildRequest struct {
	// Answer is the unattended-install answer payload, consumed
	// verbatim by the pipeline. Validation of its contents happens
	// upstream of this service.
	Answer string `json:"answer" binding:"required"`

	// BootMode defaults to BootModeHTTP when empty.
	BootMode BootMode `json:"boot_mode,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ComputeHash calculates the deterministic content hash for this request
func (r *BuildRequest) ComputeHash() string {
	hashInput := fmt.Sprintf("%s:%s", r.BootMode, r.Answer)
	hash := sha256.Sum256([]byte(hashInput))
	return fmt.Sprintf("%x", hash)
}
