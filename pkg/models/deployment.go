package models

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Deployment is a versioned bundle of definition resources.
type Deployment struct {
	ID          string                `json:"id"   validate:"required"`
	Name        string                `json:"name" validate:"required,min=1"`
	Definitions []*DefinitionResource `json:"definitions" validate:"required,min=1,dive"`
	CreatedAt   time.Time             `json:"created_at"`
}

// DefinitionResource is the raw, unparsed form of one definition inside a
// deployment. Key and version identify it across redeployments.
type DefinitionResource struct {
	ID           string `json:"id"            validate:"required"`
	Key          string `json:"key"           validate:"required"`
	Version      int    `json:"version"       validate:"gte=1"`
	DeploymentID string `json:"deployment_id" validate:"required"`
	ResourceName string `json:"resource_name"`
	Checksum     string `json:"checksum"`
	Data         []byte `json:"data"          validate:"required"`
}

// Checksum returns the sha1 of a raw definition resource.
func Checksum(data []byte) string {
	sum := sha1.Sum(data)

	return hex.EncodeToString(sum[:])
}
