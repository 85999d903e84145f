package models

// DayState is the persisted delivery state for one calendar day. It is owned
// and mutated by the poll loop only, so no locking is needed.
type DayState struct {
	Day            string                      `json:"day"`
	SeenKeys       []string                    `json:"seen_keys"`
	DeliveredByMsg map[string][]string         `json:"delivered_by_msg"`
	LatestByThread map[string]map[string]int64 `json:"latest_by_thread"`
	Sent           []SentRecord                `json:"sent"`
}

// NewDayState returns an empty state for the given day key.
func NewDayState(day string) *DayState {
	return &DayState{
		Day:            day,
		SeenKeys:       []string{},
		DeliveredByMsg: map[string][]string{},
		LatestByThread: map[string]map[string]int64{},
		Sent:           []SentRecord{},
	}
}

// Normalize repairs nil maps/slices after a JSON round trip.
func (s *DayState) Normalize(day string) {
	s.Day = day
	if s.SeenKeys == nil {
		s.SeenKeys = []string{}
	}
	if s.DeliveredByMsg == nil {
		s.DeliveredByMsg = map[string][]string{}
	}
	if s.LatestByThread == nil {
		s.LatestByThread = map[string]map[string]int64{}
	}
	if s.Sent == nil {
		s.Sent = []SentRecord{}
	}
}

// Seen reports whether a delivery for the message key was ever attempted today.
func (s *DayState) Seen(msgKey string) bool {
	for _, k := range s.SeenKeys {
		if k == msgKey {
			return true
		}
	}
	return false
}

// MarkSeen records the message key in the seen set.
func (s *DayState) MarkSeen(msgKey string) {
	if !s.Seen(msgKey) {
		s.SeenKeys = append(s.SeenKeys, msgKey)
	}
}

// Delivered reports whether the destination already confirmed delivery for the
// exact message key.
func (s *DayState) Delivered(msgKey, chatID string) bool {
	for _, id := range s.DeliveredByMsg[msgKey] {
		if id == chatID {
			return true
		}
	}
	return false
}

// MarkDelivered adds the destination to the message's delivered set. The set
// only grows; there is no way to undeliver.
func (s *DayState) MarkDelivered(msgKey, chatID string) {
	if !s.Delivered(msgKey, chatID) {
		s.DeliveredByMsg[msgKey] = append(s.DeliveredByMsg[msgKey], chatID)
	}
}

// LatestHandle returns the editable message id last posted to the destination
// for the thread, if any.
func (s *DayState) LatestHandle(threadKey, chatID string) (int64, bool) {
	m, ok := s.LatestByThread[threadKey]
	if !ok {
		return 0, false
	}
	id, ok := m[chatID]
	return id, ok
}

// SetLatestHandle records the destination's live post for the thread,
// overwriting any previous handle.
func (s *DayState) SetLatestHandle(threadKey, chatID string, messageID int64) {
	m, ok := s.LatestByThread[threadKey]
	if !ok {
		m = map[string]int64{}
		s.LatestByThread[threadKey] = m
	}
	m[chatID] = messageID
}

// AppendSent appends one audit record.
func (s *DayState) AppendSent(rec SentRecord) {
	s.Sent = append(s.Sent, rec)
}
