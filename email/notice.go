package email

import (
	"fmt"
	"strings"
)

const noticeStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 720px; margin: 0 auto; padding: 20px; }
.header { border-bottom: 2px solid #00205b; padding-bottom: 10px; margin-bottom: 20px; }
.community { color: #7f8c8d; font-size: 0.9em; }
.content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }
.footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }
a { color: #00205b; }
`

func (s *Sender) formatNotice(community, subject, body string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<style>\n")
	b.WriteString(noticeStyle)
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", escapeHTML(subject))
	fmt.Fprintf(&b, "<span class=\"community\">r/%s</span>\n", escapeHTML(community))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	for _, para := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			fmt.Fprintf(&b, "<p>%s</p>\n", strings.ReplaceAll(escapeHTML(para), "\n", "<br>\n"))
		}
	}
	b.WriteString("</div>\n")

	if s.baseURL != "" {
		b.WriteString("<div class=\"footer\">\n")
		fmt.Fprintf(&b, "<a href=\"%s/jobs\">Pending jobs</a>\n", escapeHTML(s.baseURL))
		b.WriteString(" &bull; \n")
		fmt.Fprintf(&b, "<a href=\"%s/communities/%s/config\">Community config</a>\n", escapeHTML(s.baseURL), escapeHTML(community))
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	).Replace(s)
}
