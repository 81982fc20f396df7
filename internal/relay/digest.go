package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/lotdesk/internal/dialog"
)

// StatsSource supplies activity counts for the digest. *dialog.Store
// implements it.
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) (dialog.Stats, error)
}

// buildDigest renders a support activity digest covering [since, now).
// It returns "" when nothing happened in the window.
func buildDigest(ctx context.Context, src StatsSource, since time.Time) (string, error) {
	st, err := src.Stats(ctx, since)
	if err != nil {
		return "", fmt.Errorf("relay: digest: %w", err)
	}
	if st.NewDialogs == 0 && st.MessagesFromUser == 0 && st.MessagesFromAdmin == 0 {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Support digest since %s\n", since.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Open threads: %d\n", st.OpenThreads)
	fmt.Fprintf(&b, "New dialogs: %d\n", st.NewDialogs)
	fmt.Fprintf(&b, "Messages from users: %d\n", st.MessagesFromUser)
	fmt.Fprintf(&b, "Replies from support: %d", st.MessagesFromAdmin)
	return b.String(), nil
}
