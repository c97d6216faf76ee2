// Package idgen provides prefixed ID generation for runs, experiments, and
// prompt variants.
package idgen

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixRun        = "run"
	PrefixExperiment = "exp"
	PrefixVariant    = "var"
	PrefixCorrelate  = "cor"
)

// New returns a prefix_<nanoid> identifier of DefaultLength.
func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewRun() string        { return New(PrefixRun) }
func NewExperiment() string { return New(PrefixExperiment) }
func NewVariant() string    { return New(PrefixVariant) }
func NewCorrelation() string { return New(PrefixCorrelate) }
