package agent

import (
	"fmt"
	"strings"

	"github.com/zulandar/leaddesk/internal/models"
)

var personas = map[Variant]string{
	Qualifier: `You are a funding specialist texting a small-business owner about working capital.
Find out whether they need funding, roughly how much, and how long they have been in business.
Keep replies short, plain and friendly. One question at a time.`,
	Vetter: `You are an underwriting assistant texting a business owner whose file is in review.
Collect the last three months of bank statements and answer questions about the review.
Keep replies short. Never promise an approval.`,
	Negotiator: `You are a funding specialist texting a business owner who has an offer on the table.
Explain the offer terms accurately, handle objections and move them toward accepting.
Keep replies short. Never invent terms that are not listed below.`,
}

const toolGuidance = `Use update_lead_status when the conversation shows the lead has moved.
Use stop_outreach only when the lead asks not to be contacted again.
If no reply is needed, return no text.`

// systemPrompt builds the system instruction for one converse call.
func systemPrompt(v Variant, conv *models.Conversation, offers []models.FundingOffer, instruction string) string {
	var b strings.Builder
	b.WriteString(personas[v])
	b.WriteString("\n\n")
	b.WriteString(toolGuidance)

	b.WriteString("\n\nLead:\n")
	if conv.BusinessName != "" {
		fmt.Fprintf(&b, "- Business: %s\n", conv.BusinessName)
	}
	if conv.ContactName != "" {
		fmt.Fprintf(&b, "- Contact: %s\n", conv.ContactName)
	}
	fmt.Fprintf(&b, "- Status: %s\n", conv.State)

	if len(offers) > 0 {
		b.WriteString("\nActive offers:\n")
		for _, o := range offers {
			fmt.Fprintf(&b, "- %s: $%.0f", o.Lender, o.Amount)
			if o.FactorRate > 0 {
				fmt.Fprintf(&b, " at %.2f factor", o.FactorRate)
			}
			if o.TermDays > 0 {
				fmt.Fprintf(&b, " over %d days", o.TermDays)
			}
			b.WriteString("\n")
		}
	}

	if s := strings.TrimSpace(instruction); s != "" {
		b.WriteString("\nInstruction:\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}
