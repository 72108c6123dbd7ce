package mcpgw

import (
	"math/rand"

	"github.com/google/uuid"
)

var nameAdjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "crisp", "daring", "eager",
	"gentle", "hazy", "keen", "lucky", "mellow", "nimble", "quiet", "rapid",
	"silent", "steady", "swift", "witty",
}

var nameNouns = []string{
	"badger", "comet", "falcon", "fern", "harbor", "heron", "lynx", "maple",
	"meadow", "otter", "pebble", "quartz", "raven", "river", "spruce", "summit",
	"tiger", "willow", "wren", "zephyr",
}

// GenerateAgentName returns a readable name like "agent-calm-otter-1a2b".
func GenerateAgentName() string {
	adj := nameAdjectives[rand.Intn(len(nameAdjectives))]
	noun := nameNouns[rand.Intn(len(nameNouns))]
	return "agent-" + adj + "-" + noun + "-" + uuid.New().String()[:4]
}
