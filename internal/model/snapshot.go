package model

// SnapshotVersion is written into every saved document. Evolution is
// additive only: new fields must tolerate being absent in older files.
const SnapshotVersion = 1

// Snapshot is the single persisted document.
type Snapshot struct {
	Version           int               `json:"version"`
	Categories        []Category        `json:"categories"`
	Rules             []Rule            `json:"rules"`
	AppAssignments    map[string]string `json:"app_assignments"`
	EventAssignments  map[string]string `json:"event_assignments"`
	ExclusionPatterns []string          `json:"exclusion_patterns"`
	FocusSessions     []FocusSession    `json:"focus_sessions"`
	Goals             []Goal            `json:"goals"`
	Preferences       Preferences       `json:"preferences"`
	Facts             []Fact            `json:"facts"`
	Sessions          []Session         `json:"sessions"`
	Projects          []Project         `json:"projects"`
	Tags              []Tag             `json:"tags"`
	RuleMatches       []RuleMatch       `json:"rule_matches"`
}

// Normalize replaces absent collections with empty ones.
func (s *Snapshot) Normalize() {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.Categories == nil {
		s.Categories = []Category{}
	}
	if s.Rules == nil {
		s.Rules = []Rule{}
	}
	if s.AppAssignments == nil {
		s.AppAssignments = map[string]string{}
	}
	if s.EventAssignments == nil {
		s.EventAssignments = map[string]string{}
	}
	if s.ExclusionPatterns == nil {
		s.ExclusionPatterns = []string{}
	}
	if s.FocusSessions == nil {
		s.FocusSessions = []FocusSession{}
	}
	if s.Goals == nil {
		s.Goals = []Goal{}
	}
	if s.Facts == nil {
		s.Facts = []Fact{}
	}
	if s.Sessions == nil {
		s.Sessions = []Session{}
	}
	if s.Projects == nil {
		s.Projects = []Project{}
	}
	if s.Tags == nil {
		s.Tags = []Tag{}
	}
	if s.RuleMatches == nil {
		s.RuleMatches = []RuleMatch{}
	}
	for i := range s.Sessions {
		if s.Sessions[i].FactIDs == nil {
			s.Sessions[i].FactIDs = []string{}
		}
		if s.Sessions[i].Classification == "" {
			s.Sessions[i].Classification = Unclassified
		}
	}
}
