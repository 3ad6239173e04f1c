package couchkv

import (
	"time"

	"github.com/pior/couchkv/vbucket"
)

// guessTTL bounds how long a learned master is trusted without a config
// confirming it.
const guessTTL = 20 * time.Second

type vbGuess struct {
	oldMaster  int
	newIndex   int
	lastUpdate time.Time
	used       bool
}

// guessTable records where vbuckets moved according to NOT_MY_VBUCKET
// replies, ahead of the config that will eventually say so. Guesses live
// beside the config and are never written into it.
type guessTable struct {
	now     func() time.Time
	noGuess bool
	noRemap bool
	guesses map[int]*vbGuess
}

func newGuessTable(now func() time.Time, s *Settings) *guessTable {
	return &guessTable{
		now:     now,
		noGuess: s.VBNoGuess,
		noRemap: s.VBNoRemap,
		guesses: make(map[int]*vbGuess),
	}
}

// EffectiveMaster returns the guessed master of vb when a live guess
// exists, else master.
func (g *guessTable) EffectiveMaster(vb, master int) int {
	guess, ok := g.guesses[vb]
	if !ok {
		return master
	}
	if g.expired(guess) || guess.oldMaster != master {
		delete(g.guesses, vb)
		return master
	}
	guess.used = true
	return guess.newIndex
}

func (g *guessTable) expired(guess *vbGuess) bool {
	return g.now().Sub(guess.lastUpdate) > guessTTL
}

// Remap picks another server for vb after bad answered NOT_MY_VBUCKET. It
// returns -1 when no alternative exists.
func (g *guessTable) Remap(cfg *vbucket.Config, vb, bad int) int {
	if g.noRemap || cfg == nil {
		return -1
	}
	if g.noGuess {
		return cfg.NMVRemap(vb, bad, false)
	}

	master := cfg.VBMaster(vb)
	current := g.EffectiveMaster(vb, master)
	ix := cfg.RemapFrom(vb, current, bad, true)
	if ix >= 0 && ix != bad {
		g.guesses[vb] = &vbGuess{
			oldMaster:  master,
			newIndex:   ix,
			lastUpdate: g.now(),
		}
	}
	return ix
}

// ConfigChanged drops guesses the new config contradicts or that expired.
func (g *guessTable) ConfigChanged(cfg *vbucket.Config) {
	for vb, guess := range g.guesses {
		if vb >= cfg.NumVBuckets() || cfg.VBMaster(vb) != guess.oldMaster || g.expired(guess) {
			delete(g.guesses, vb)
		}
	}
}

func (g *guessTable) Len() int {
	return len(g.guesses)
}
