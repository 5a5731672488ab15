package narrator

import (
	"fmt"
	"strings"

	"github.com/abhisek/medsim/internal/casedef"
	"github.com/abhisek/medsim/internal/llm"
	"github.com/abhisek/medsim/internal/session"
)

const patientPrompt = `You are role-playing a patient in a medical education simulation. A medical student is interviewing you.

Rules:
- Stay in character as the patient described below. Speak in the first person, in plain everyday language.
- Answer only what the student asks. Volunteer little; real patients do not list their history unprompted.
- Describe symptoms and feelings. Never use medical jargon the patient would not know.
- You do not know your diagnosis and must never name or guess one.
- Never mention test results, even if the student asks; say the doctor has not told you yet.
- Keep answers short: one to three sentences.`

const attendingPrompt = `You are an attending physician supervising a medical student working through a simulated case.

Rules:
- Give exactly one short, Socratic hint that moves the student forward.
- Never name the diagnosis or any diagnosis the student should consider.
- Never reveal test results.
- Prefer pointing the student at an area of the history, the examination, or an investigation they have not yet explored.
- Set "focus" to the area the hint points at.`

func languageLine(lang string) string {
	return fmt.Sprintf("Respond only in %s.", lang)
}

// patientSystem describes the patient persona and the clinical picture the
// patient currently experiences.
func patientSystem(c *casedef.Case, stateName, lang string) string {
	var b strings.Builder
	b.WriteString(patientPrompt)
	b.WriteString("\n")
	b.WriteString(languageLine(lang))

	b.WriteString("\n\nWho you are:\n")
	fmt.Fprintf(&b, "Name: %s\n", c.Patient.Name)
	fmt.Fprintf(&b, "Age: %d\n", c.Patient.Age)
	fmt.Fprintf(&b, "Sex: %s\n", c.Patient.Sex)
	fmt.Fprintf(&b, "Why you came in: %s\n", c.ChiefComplaint)

	b.WriteString("\nYour story:\n")
	fmt.Fprintf(&b, "%s\n", c.History.PresentIllness)
	writeList(&b, "Past illnesses", c.History.PastMedical)
	writeList(&b, "Past operations", c.History.PastSurgical)
	writeList(&b, "Medications you take", c.History.Medications)
	writeList(&b, "Allergies", c.History.Allergies)
	if c.History.Social != "" {
		fmt.Fprintf(&b, "Life and habits: %s\n", c.History.Social)
	}

	if st, ok := c.States[stateName]; ok && st.Description != "" {
		b.WriteString("\nHow you feel right now:\n")
		b.WriteString(st.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// attendingSystem gives the attending what the student has done so far and
// which essential investigations are still outstanding.
func attendingSystem(c *casedef.Case, stateName string, ordered []string, lang string) string {
	var b strings.Builder
	b.WriteString(attendingPrompt)
	b.WriteString("\n")
	b.WriteString(languageLine(lang))

	b.WriteString("\n\nCase:\n")
	fmt.Fprintf(&b, "Patient: %d-year-old %s\n", c.Patient.Age, c.Patient.Sex)
	fmt.Fprintf(&b, "Chief complaint: %s\n", c.ChiefComplaint)
	if st, ok := c.States[stateName]; ok && st.Description != "" {
		fmt.Fprintf(&b, "Current condition: %s\n", st.Description)
	}

	b.WriteString("\nInvestigations ordered so far:\n")
	b.WriteString(numbered(ordered))

	var missing []string
	done := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		done[name] = true
	}
	for _, it := range c.OrderableItems {
		if it.Essential && !done[it.TestName] {
			missing = append(missing, it.TestName)
		}
	}
	b.WriteString("\n\nKey investigations not yet ordered:\n")
	b.WriteString(numbered(missing))
	return b.String()
}

// transcriptMessages maps the chat transcript onto model turns from the
// point of view of role. Only the last max messages are kept.
func transcriptMessages(transcript []session.Message, speaker session.Sender, max int) []llm.Message {
	if max > 0 && len(transcript) > max {
		transcript = transcript[len(transcript)-max:]
	}
	out := make([]llm.Message, 0, len(transcript))
	for _, m := range transcript {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Sender {
		case speaker:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		case session.SenderStudent:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		default:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("[%s] %s", m.Sender, m.Content)})
		}
	}
	// Providers expect the conversation to end on a user turn.
	if len(out) == 0 || out[len(out)-1].Role != llm.RoleUser {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: "(The student is waiting for you to continue.)"})
	}
	return out
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(items, ", "))
}

func numbered(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, it)
	}
	return strings.TrimRight(b.String(), "\n")
}
