// Package names generates the ephemeral display names used as presence keys
// and placed_by values. Names are stable only for the life of one session.
package names

import (
	"fmt"
	"math/rand"
)

var adjectives = []string{
	"Creative", "Building", "Playful", "Curious", "Friendly",
	"Patient", "Sneaky", "Tiny", "Mighty", "Quiet",
}

var animals = []string{
	"Fox", "Penguin", "Beaver", "Rabbit", "Owl",
	"Otter", "Badger", "Heron", "Mole", "Lynx",
}

// Generate returns an "Adjective Animal" display name.
func Generate(rng *rand.Rand) string {
	if rng == nil {
		return fmt.Sprintf("%s %s", adjectives[rand.Intn(len(adjectives))], animals[rand.Intn(len(animals))])
	}
	return fmt.Sprintf("%s %s", adjectives[rng.Intn(len(adjectives))], animals[rng.Intn(len(animals))])
}
