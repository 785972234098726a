package chains

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ignite/mailtriage/internal/domain"
)

// ChainKey returns the chain identity for an email. The conversation ID
// from the mail provider wins when present; otherwise we derive a synthetic
// key from the normalized subject plus the participant set, so replies that
// lost their threading headers still land in the same chain.
func ChainKey(email domain.Email) string {
	if email.ConversationID != "" {
		return email.ConversationID
	}

	subject := normalizeSubject(email.Subject)

	participants := make([]string, 0, len(email.Recipients)+1)
	participants = append(participants, strings.ToLower(email.SenderEmail))
	for _, r := range email.Recipients {
		participants = append(participants, strings.ToLower(r))
	}
	sort.Strings(participants)

	h := sha256.Sum256([]byte(subject + "|" + strings.Join(participants, ",")))
	return "syn-" + hex.EncodeToString(h[:8])
}

var replyPrefixes = []string{"re:", "fw:", "fwd:", "aw:"}

func normalizeSubject(s string) string {
	out := strings.ToLower(strings.TrimSpace(s))
	for {
		trimmed := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(out, p) {
				out = strings.TrimSpace(out[len(p):])
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}
	return strings.Join(strings.Fields(out), " ")
}
