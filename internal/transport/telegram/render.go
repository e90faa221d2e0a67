package telegram

import (
	"fmt"

	tele "gopkg.in/telebot.v4"

	"modbot/internal/detect"
	"modbot/pkg/tgui"
)

const maxListedLinks = 20

var stylePrefix = map[detect.DecisionStyle]string{
	detect.StyleDanger:  "🚫 ",
	detect.StyleSuccess: "✅ ",
}

// renderReview formats a review artifact as HTML plus its decision buttons.
func renderReview(art detect.ReviewArtifact) (string, *tele.ReplyMarkup) {
	parts := []tgui.H{
		tgui.B(art.Title),
		tgui.Esc(art.Description),
		tgui.JoinH(" ", tgui.B("User:"), tgui.Mention(art.EntityName, art.EntityID), tgui.Code(fmt.Sprint(art.EntityID))),
		tgui.JoinH(" ", tgui.B("Messages deleted:"), tgui.Esc(fmt.Sprint(art.Deleted))),
	}
	if len(art.Links) > 0 {
		lines := []tgui.H{tgui.B("Links in body")}
		for i, l := range art.Links {
			if i == maxListedLinks {
				lines = append(lines, tgui.I(fmt.Sprintf("and %d more", len(art.Links)-maxListedLinks)))
				break
			}
			lines = append(lines, tgui.JoinH(" ", tgui.Raw("•"), tgui.Code(tgui.TruncRunes(l, 200))))
		}
		parts = append(parts, tgui.JoinH("\n", lines...))
	}
	if len(art.Attachments) > 0 {
		lines := []tgui.H{tgui.B("Attachments")}
		for _, at := range art.Attachments {
			name := at.Name
			if name == "" {
				name = "(unnamed)"
			}
			lines = append(lines, tgui.JoinH(" ", tgui.Raw("•"), tgui.Code(tgui.TruncRunes(name, 80)), tgui.Esc(fmt.Sprintf("(%s, %s)", at.Kind, tgui.HumanBytes(at.Size)))))
		}
		parts = append(parts, tgui.JoinH("\n", lines...))
	}
	parts = append(parts, tgui.I("ref "+art.ID))

	var markup *tele.ReplyMarkup
	if len(art.Decisions) > 0 {
		row := make([]tele.Btn, 0, len(art.Decisions))
		for _, d := range art.Decisions {
			if tgui.CheckData(d.Data) != nil {
				continue
			}
			row = append(row, tgui.Btn(stylePrefix[d.Style]+d.Label, d.Data))
		}
		if len(row) > 0 {
			markup = tgui.NewInline().Row(row...).Markup()
		}
	}
	return tgui.JoinH("\n\n", parts...).String(), markup
}

func renderAlert(al detect.Alert) string {
	return tgui.JoinH("\n\n",
		tgui.B("⚠️ "+al.Title),
		tgui.Esc(al.Description),
		tgui.JoinH(" ", tgui.B("User:"), tgui.Mention(al.EntityName, al.EntityID), tgui.Code(fmt.Sprint(al.EntityID))),
	).String()
}

func renderLogAlert(text string) string {
	return tgui.Pre(tgui.TruncRunes(text, 3500)).String()
}
