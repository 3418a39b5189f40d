package notify

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"

	"review-notifier/pkg/reviews"
)

const timeLayout = "2006-01-02 15:04"

// Telegram rejects messages over 4096 characters; the longest free-text fields are capped well below that.
const (
	maxCommentRunes = 3000
	maxNameRunes    = 300
	maxErrorRunes   = 3000
)

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func formatReviewAlert(project string, r reviews.Review) Message {
	name := r.DisplayName
	if name == "" {
		name = "—"
	}

	rows := [][2]string{
		{"Project", project},
		{"SKU", strconv.FormatInt(r.ProductID, 10)},
		{"Product", truncate(name, maxNameRunes)},
		{"Comment", truncate(r.Comment, maxCommentRunes)},
		{"Rating", fmt.Sprintf("%d %s", r.Rating, stars(r.Rating))},
		{"Published", r.PublishedAt.Format(timeLayout)},
	}

	var h, t strings.Builder
	h.WriteString("<b>New review rated below 5</b>\n")
	t.WriteString("New review rated below 5\n")
	for _, row := range rows {
		fmt.Fprintf(&h, "<b>%s:</b> %s\n", row[0], html.EscapeString(row[1]))
		fmt.Fprintf(&t, "%s: %s\n", row[0], row[1])
	}

	return Message{
		Subject: fmt.Sprintf("[%s] %d★ review for SKU %d", project, r.Rating, r.ProductID),
		HTML:    strings.TrimSuffix(h.String(), "\n"),
		Text:    strings.TrimSuffix(t.String(), "\n"),
	}
}

func formatAdminReport(scope string, err error) Message {
	kind := reviews.Kind(err)
	if kind == "" {
		kind = reviews.KindUnknown
	}
	errText := "<nil>"
	if err != nil {
		errText = truncate(err.Error(), maxErrorRunes)
	}

	return Message{
		Subject: fmt.Sprintf("review-notifier: %s error in %s", kind, scope),
		HTML: fmt.Sprintf("<b>Review check failed</b>\n<b>Scope:</b> %s\n<b>Kind:</b> %s\n<b>Error:</b> <code>%s</code>",
			html.EscapeString(scope), kind, html.EscapeString(errText)),
		Text: fmt.Sprintf("Review check failed\nScope: %s\nKind: %s\nError: %s", scope, kind, errText),
	}
}

func stars(rating int) string {
	if rating < 0 {
		rating = 0
	}
	if rating > 5 {
		rating = 5
	}
	return strings.Repeat("★", rating) + strings.Repeat("☆", 5-rating)
}
