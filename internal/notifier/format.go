package notifier

import (
	"fmt"
	"strconv"
	"strings"

	"market_watch/internal/model"
)

// maxMessageLen is the Telegram limit on message text.
const maxMessageLen = 4096

// FormatItem formats a listing as a notification entry.
func FormatItem(it model.Item) string {
	var b strings.Builder
	b.WriteString(it.Title)

	var meta []string
	if it.Price > 0 {
		meta = append(meta, formatPrice(it.Price, it.Currency))
	}
	if it.Condition != "" {
		meta = append(meta, it.Condition)
	}
	if it.Seller != "" {
		meta = append(meta, "seller: "+it.Seller)
	}
	if len(meta) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(meta, " | "))
	}
	if it.Link != "" {
		b.WriteString("\n")
		b.WriteString(it.Link)
	}
	return b.String()
}

// FormatNotification splits n into messages no longer than the Telegram limit.
// Each message starts with the monitor header.
func FormatNotification(n Notification) []string {
	header := formatHeader(n)
	var msgs []string
	var b strings.Builder
	b.WriteString(header)
	entries := 0
	for _, it := range n.Items {
		entry := "\n\n" + FormatItem(it)
		if entries > 0 && b.Len()+len(entry) > maxMessageLen {
			msgs = append(msgs, b.String())
			b.Reset()
			b.WriteString(header)
			entries = 0
		}
		b.WriteString(entry)
		entries++
	}
	msgs = append(msgs, b.String())
	return msgs
}

func formatHeader(n Notification) string {
	name := strings.Join(n.Keywords, " ")
	if name == "" {
		name = n.MonitorID
	}
	noun := "listings"
	if len(n.Items) == 1 {
		noun = "listing"
	}
	return fmt.Sprintf("[%s]\n%d new %s", name, len(n.Items), noun)
}

func formatPrice(p float64, currency string) string {
	v := strconv.FormatFloat(p, 'f', 2, 64)
	switch currency {
	case "", "USD":
		return "$" + v
	default:
		return v + " " + currency
	}
}
