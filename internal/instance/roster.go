package instance

// Roster is the foreground's in-memory view of all declared instances.
// It is a snapshot, not a live index; rebuild it after the config store changes.
type Roster struct {
	records []Record
}

func NewRoster(records []Record) *Roster {
	cp := make([]Record, len(records))
	copy(cp, records)
	return &Roster{records: cp}
}

func (r *Roster) All() []Record {
	cp := make([]Record, len(r.records))
	copy(cp, r.records)
	return cp
}

func (r *Roster) ByID(id string) (Record, bool) {
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// ByPort returns every declared record claiming the given port.
func (r *Roster) ByPort(port int) []Record {
	var out []Record
	for _, rec := range r.records {
		if rec.Port == port {
			out = append(out, rec)
		}
	}
	return out
}

// ClaimantOnPort returns another declared instance that is running or starting
// on the given port, excluding the instance identified by excludeID.
func (r *Roster) ClaimantOnPort(port int, excludeID string) (Record, bool) {
	for _, rec := range r.records {
		if rec.ID == excludeID || rec.Port != port {
			continue
		}
		if rec.WantsUp() {
			return rec, true
		}
	}
	return Record{}, false
}
