package casedef

import "maps"

// StudentCase is the redacted projection of a Case handed to the UI. It has
// no fields for the diagnosis, consequence targets or probabilities, test
// results, or which tests are essential.
type StudentCase struct {
	ID                string                  `json:"caseId"`
	Title             string                  `json:"title"`
	Specialty         string                  `json:"specialty"`
	Difficulty        string                  `json:"difficulty"`
	ChiefComplaint    string                  `json:"chiefComplaint"`
	RecommendedLevels []string                `json:"recommendedLevels"`
	Patient           Patient                 `json:"patient"`
	InitialVitals     Vitals                  `json:"initialVitals"`
	History           History                 `json:"history"`
	States            map[string]StudentState `json:"states"`
	OrderableItems    []StudentItem           `json:"orderableItems"`
}

// StudentState is a state as the student may see it once reached.
type StudentState struct {
	Description  string               `json:"description"`
	Vitals       *Vitals              `json:"vitals,omitempty"`
	PhysicalExam map[string]string    `json:"physicalExam,omitempty"`
	Consequences []StudentConsequence `json:"consequences,omitempty"`
}

// StudentConsequence keeps only the name of the action that matters.
type StudentConsequence struct {
	Trigger string `json:"trigger"`
}

// StudentItem is an orderable test without its result.
type StudentItem struct {
	TestName     string `json:"testName"`
	Category     string `json:"category"`
	Instructions string `json:"instructions,omitempty"`
}

// NewStudentCase builds the student projection of c. Every slice and map is
// copied so later changes to either value cannot reach the other.
func NewStudentCase(c *Case) *StudentCase {
	sc := &StudentCase{
		ID:                c.ID,
		Title:             c.Title,
		Specialty:         c.Specialty,
		Difficulty:        c.Difficulty,
		ChiefComplaint:    c.ChiefComplaint,
		RecommendedLevels: cloneStrings(c.RecommendedLevels),
		Patient:           c.Patient,
		InitialVitals:     c.InitialVitals,
		History:           cloneHistory(c.History),
		States:            make(map[string]StudentState, len(c.States)),
		OrderableItems:    make([]StudentItem, 0, len(c.OrderableItems)),
	}

	for name, st := range c.States {
		ss := StudentState{
			Description:  st.Description,
			PhysicalExam: maps.Clone(st.PhysicalExam),
		}
		if st.Vitals != nil {
			v := *st.Vitals
			ss.Vitals = &v
		}
		for _, cq := range st.Consequences {
			ss.Consequences = append(ss.Consequences, StudentConsequence{Trigger: cq.Trigger})
		}
		sc.States[name] = ss
	}

	for _, it := range c.OrderableItems {
		sc.OrderableItems = append(sc.OrderableItems, StudentItem{
			TestName:     it.TestName,
			Category:     it.Category,
			Instructions: it.Instructions,
		})
	}

	return sc
}

// EffectiveVitals mirrors Case.EffectiveVitals for the student projection.
func (sc *StudentCase) EffectiveVitals(stateName string) Vitals {
	if st, ok := sc.States[stateName]; ok && st.Vitals != nil {
		return *st.Vitals
	}
	return sc.InitialVitals
}

func cloneHistory(h History) History {
	return History{
		PresentIllness: h.PresentIllness,
		PastMedical:    cloneStrings(h.PastMedical),
		PastSurgical:   cloneStrings(h.PastSurgical),
		Medications:    cloneStrings(h.Medications),
		Allergies:      cloneStrings(h.Allergies),
		Social:         h.Social,
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
