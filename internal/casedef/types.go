package casedef

import "encoding/json"

// InitialState is the state every session starts in. Each case must define it.
const InitialState = "initial"

// DefaultProbability applies to consequences that omit a probability.
const DefaultProbability = 1.0

// Case is the full ground-truth definition of a clinical case. A Case is
// never mutated after Parse returns it; treat it as read-only and share it
// freely across sessions.
type Case struct {
	SchemaVersion     string           `json:"schemaVersion"`
	ID                string           `json:"caseId"`
	Title             string           `json:"title"`
	Specialty         string           `json:"specialty"`
	Difficulty        string           `json:"difficulty"`
	ChiefComplaint    string           `json:"chiefComplaint"`
	RecommendedLevels []string         `json:"recommendedLevels"`
	Patient           Patient          `json:"patient"`
	InitialVitals     Vitals           `json:"initialVitals"`
	History           History          `json:"history"`
	Diagnosis         string           `json:"diagnosis"`
	DiagnosisAliases  []string         `json:"diagnosisAliases,omitempty"`
	States            map[string]State `json:"states"`
	OrderableItems    []OrderableItem  `json:"orderableItems"`
}

// Patient describes who the student is talking to.
type Patient struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
	Sex  string `json:"sex"`
}

// Vitals is a set of bedside measurements. Zero values mean "not recorded".
type Vitals struct {
	HeartRate        int     `json:"heartRate,omitempty"`
	BloodPressure    string  `json:"bloodPressure,omitempty"`
	RespiratoryRate  int     `json:"respiratoryRate,omitempty"`
	TemperatureC     float64 `json:"temperatureC,omitempty"`
	OxygenSaturation int     `json:"oxygenSaturation,omitempty"`
}

// History is the patient's background as presented at the start of a case.
type History struct {
	PresentIllness string   `json:"presentIllness"`
	PastMedical    []string `json:"pastMedical,omitempty"`
	PastSurgical   []string `json:"pastSurgical,omitempty"`
	Medications    []string `json:"medications,omitempty"`
	Allergies      []string `json:"allergies,omitempty"`
	Social         string   `json:"social,omitempty"`
}

// State is one node of the clinical state graph.
type State struct {
	Description  string            `json:"description"`
	Vitals       *Vitals           `json:"vitals,omitempty"`
	PhysicalExam map[string]string `json:"physicalExam,omitempty"`
	Consequences []Consequence     `json:"consequences,omitempty"`
}

// Consequence is an edge of the state graph fired by a named student action.
type Consequence struct {
	Trigger     string  `json:"trigger"`
	Target      string  `json:"target"`
	Probability float64 `json:"probability"`
}

// UnmarshalJSON applies DefaultProbability when the field is absent.
func (c *Consequence) UnmarshalJSON(data []byte) error {
	type plain Consequence
	p := plain{Probability: DefaultProbability}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Consequence(p)
	return nil
}

// OrderableItem is a diagnostic test the student may order, with its
// ground-truth result.
type OrderableItem struct {
	TestName     string `json:"testName"`
	Category     string `json:"category"`
	Instructions string `json:"instructions,omitempty"`
	Result       string `json:"result"`
	Essential    bool   `json:"essential,omitempty"`
}

// Parsed holds both projections produced from one case document.
type Parsed struct {
	Full    *Case
	Student *StudentCase
}

// Item returns the orderable item with the given test name.
func (c *Case) Item(testName string) (OrderableItem, bool) {
	for _, it := range c.OrderableItems {
		if it.TestName == testName {
			return it, true
		}
	}
	return OrderableItem{}, false
}

// EffectiveVitals returns the vitals to display while in the named state:
// the state's override when present, the case's initial vitals otherwise.
func (c *Case) EffectiveVitals(stateName string) Vitals {
	if st, ok := c.States[stateName]; ok && st.Vitals != nil {
		return *st.Vitals
	}
	return c.InitialVitals
}
