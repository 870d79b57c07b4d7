package voice

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/voxwire/pkg/voice/codec"
)

// source is one remote sender.
type source struct {
	userID  uint64
	decoder codec.Decoder
	lastSeq uint16
	seenSeq bool
}

// ssrcTable maps ssrc to user and owns at most one decoder per ssrc. The lock
// covers lookups and mutations only; decoding happens outside it.
type ssrcTable struct {
	log *slog.Logger

	// onDecoders observes the live decoder count. May be nil.
	onDecoders func(delta int64)

	mu     sync.Mutex
	bySSRC map[uint32]*source
	byUser map[uint64]uint32
}

func newSSRCTable(log *slog.Logger, onDecoders func(int64)) *ssrcTable {
	return &ssrcTable{
		log:        log,
		onDecoders: onDecoders,
		bySSRC:     make(map[uint32]*source),
		byUser:     make(map[uint64]uint32),
	}
}

// update maps ssrc to userID. A collision with a different user keeps the
// first mapping. A user that moved to a new ssrc loses the old one.
func (t *ssrcTable) update(ssrc uint32, userID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if src, ok := t.bySSRC[ssrc]; ok {
		if src.userID != userID {
			t.log.Warn("voice: ssrc collision, keeping first mapping",
				"ssrc", ssrc, "user_id", src.userID, "other_user_id", userID)
			return false
		}
		return true
	}
	if old, ok := t.byUser[userID]; ok && old != ssrc {
		t.dropLocked(old)
	}
	t.bySSRC[ssrc] = &source{userID: userID}
	t.byUser[userID] = ssrc
	return true
}

// remove unmaps userID and releases its decoder.
func (t *ssrcTable) remove(userID uint64) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ssrc, ok := t.byUser[userID]
	if !ok {
		return 0, false
	}
	t.dropLocked(ssrc)
	return ssrc, true
}

func (t *ssrcTable) dropLocked(ssrc uint32) {
	src, ok := t.bySSRC[ssrc]
	if !ok {
		return
	}
	t.releaseLocked(src)
	delete(t.bySSRC, ssrc)
	if t.byUser[src.userID] == ssrc {
		delete(t.byUser, src.userID)
	}
}

func (t *ssrcTable) releaseLocked(src *source) {
	if src.decoder == nil {
		return
	}
	if err := src.decoder.Close(); err != nil {
		t.log.Debug("voice: close decoder", "user_id", src.userID, "error", err)
	}
	src.decoder = nil
	if t.onDecoders != nil {
		t.onDecoders(-1)
	}
}

// user resolves ssrc.
func (t *ssrcTable) user(ssrc uint32) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.bySSRC[ssrc]
	if !ok {
		return 0, false
	}
	return src.userID, true
}

// ssrcOf resolves userID.
func (t *ssrcTable) ssrcOf(userID uint64) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ssrc, ok := t.byUser[userID]
	return ssrc, ok
}

// accept records seq for ssrc and reports whether it is newer than the last
// accepted one. Sequence numbers wrap at 16 bits.
func (t *ssrcTable) accept(ssrc uint32, seq uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.bySSRC[ssrc]
	if !ok {
		return false
	}
	if src.seenSeq && !seqAfter(seq, src.lastSeq) {
		return false
	}
	src.lastSeq = seq
	src.seenSeq = true
	return true
}

// decoder returns the decoder for ssrc, creating it with p on first use. It
// returns nil without error when p is nil.
func (t *ssrcTable) decoder(ssrc uint32, p codec.Provider) (codec.Decoder, error) {
	if p == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.bySSRC[ssrc]
	if !ok {
		return nil, nil
	}
	if src.decoder != nil {
		return src.decoder, nil
	}
	dec, err := p.NewDecoder()
	if err != nil {
		return nil, err
	}
	src.decoder = dec
	if t.onDecoders != nil {
		t.onDecoders(1)
	}
	return dec, nil
}

// releaseDecoders closes every decoder but keeps the mappings.
func (t *ssrcTable) releaseDecoders() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, src := range t.bySSRC {
		t.releaseLocked(src)
		src.seenSeq = false
	}
}

// decoderCount returns the number of live decoders.
func (t *ssrcTable) decoderCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, src := range t.bySSRC {
		if src.decoder != nil {
			n++
		}
	}
	return n
}

func (t *ssrcTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySSRC)
}

// seqAfter reports whether a follows b in 16-bit wrapping order.
func seqAfter(a, b uint16) bool {
	return int16(a-b) > 0
}
