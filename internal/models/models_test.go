package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBitmainFamilies(t *testing.T) {
	n := Normalize("ANTMINER S19J PRO")
	assert.Equal(t, "antminer", n.Vendor)
	assert.Equal(t, "Antminer S19j Pro", n.Model)

	n = Normalize("s19 pro")
	assert.Equal(t, "antminer", n.Vendor)
}

func TestNormalizeWhatsminer(t *testing.T) {
	n := Normalize("M30S++")
	assert.Equal(t, "whatsminer", n.Vendor)
	assert.Equal(t, "Whatsminer M30S++", n.Model)
}

func TestBaselineForKnownAndUnknown(t *testing.T) {
	b := BaselineFor("Antminer S19")
	assert.Equal(t, 95.0, b.HashrateTHS)
	assert.Equal(t, 3250.0, b.PowerW)

	g := BaselineFor("FrobnicatorX 9000")
	assert.Equal(t, genericBaseline, g)
}
