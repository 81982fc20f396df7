package relay

import (
	"fmt"
	"strings"

	"github.com/zulandar/lotdesk/internal/catalog"
	"github.com/zulandar/lotdesk/internal/models"
)

// User- and admin-facing texts.
const (
	TextPleaseWait    = "Your previous message is still being processed. Please send this one again in a moment."
	TextTryLater      = "Support is unavailable right now. Please try again later."
	TextSent          = "Message sent 👍"
	TextGreeting      = "Hello! Write your question."
	TextLotNotFound   = "Lot not found."
	TextDialogClosed  = "Dialog closed."
	TextUnknownThread = "This thread is not linked to any dialog. The reply was not delivered."
	closeLabel        = "Close dialog"
)

// DefaultMaxTitleLen caps thread titles on platforms that declare no limit.
const DefaultMaxTitleLen = 128

// closePrefix prefixes the data of the close control.
const closePrefix = "close:"

// CloseControl returns the control that closes userID's dialog.
func CloseControl(userID string) *Control {
	return &Control{Label: closeLabel, Data: closePrefix + userID}
}

// parseCloseData extracts the user id from close control data.
func parseCloseData(data string) (string, bool) {
	if !strings.HasPrefix(data, closePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(data, closePrefix)
	return id, id != ""
}

// threadTitle names a new support thread after the user, at most maxLen
// runes long.
func threadTitle(d *models.Dialog, maxLen int) string {
	var title string
	switch {
	case strings.TrimSpace(d.DisplayName) != "":
		title = strings.TrimSpace(d.DisplayName)
	case d.Handle != "":
		title = "@" + d.Handle
	default:
		title = "User " + d.ExternalUserID
	}
	return ClampTitle(title, maxLen)
}



// formatNotification renders a user message for the admin thread. lot may
// be nil.
func formatNotification(d *models.Dialog, lot *models.Lot, text string) string {
	var b strings.Builder
	b.WriteString("🧑 ")
	b.WriteString(d.DisplayName)
	if d.Handle != "" {
		b.WriteString(" @")
		b.WriteString(d.Handle)
	}
	fmt.Fprintf(&b, "\nID: %s\n", d.ExternalUserID)
	if lot != nil {
		fmt.Fprintf(&b, "🖼️ %s, %s\n", lot.Title, catalog.FormatPrice(lot.Price))
	}
	b.WriteString("\n💬 ")
	b.WriteString(text)
	return b.String()
}

// formatLotPrompt is the reply to "/start lot_<id>".
func formatLotPrompt(lot *models.Lot) string {
	return fmt.Sprintf("🖼️ Lot: %s\n\nWrite your message:", lot.Title)
}

// formatCreateAlert tells the fallback admin that a thread could not be opened.
func formatCreateAlert(d *models.Dialog, err error) string {
	return fmt.Sprintf("⚠️ Could not open a support thread for %s (ID: %s): %v", threadTitle(d, DefaultMaxTitleLen), d.ExternalUserID, err)
}

// ClampTitle cuts title to at most maxLen runes, ellipsis included.
func ClampTitle(title string, maxLen int) string {
	r := []rune(title)
	if len(r) <= maxLen {
		return title
	}
	if maxLen <= 3 {
		return string(r[:max(maxLen, 0)])
	}
	return string(r[:maxLen-3]) + "..."
}
