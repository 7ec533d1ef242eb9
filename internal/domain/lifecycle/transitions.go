package lifecycle

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:    {RequestProcessing, RequestRejected},
	RequestProcessing: {RequestFulfilled, RequestRejected},
}

var consultTransitions = map[ConsultStatus][]ConsultStatus{
	ConsultScheduled: {ConsultCompleted, ConsultCancelled},
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	for _, st := range requestStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", invalid("status", "unknown request status "+s)
}

func ParseConsultStatus(s string) (ConsultStatus, error) {
	for _, st := range consultStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", invalid("status", "unknown consultation status "+s)
}

func (s RequestStatus) Terminal() bool {
	return len(requestTransitions[s]) == 0
}

func (s ConsultStatus) Terminal() bool {
	return len(consultTransitions[s]) == 0
}

// checkRequestTransition validates moving cur to next. PROCESSING is entered
// only with analyzer output, and that output is written exactly once.
func checkRequestTransition(cur *Request, next RequestStatus, enr *Enrichment) error {
	if !allowed(requestTransitions[cur.Status], next) {
		return &InvalidTransitionError{From: string(cur.Status), To: string(next)}
	}
	if enr == nil {
		if cur.Status == RequestPending && next == RequestProcessing {
			return invalid("ai_analysis", "a request enters PROCESSING only through AI analysis")
		}
		return nil
	}
	if cur.Status != RequestPending || next != RequestProcessing {
		return invalid("ai_analysis", "analysis is recorded only with the move from PENDING to PROCESSING")
	}
	if cur.AIAnalysis != nil {
		return invalid("ai_analysis", "analysis has already been recorded")
	}
	if enr.Text == "" {
		return invalid("ai_analysis", "analysis text is empty")
	}
	return nil
}

func checkConsultTransition(cur *Consultation, next ConsultStatus) error {
	if !allowed(consultTransitions[cur.Status], next) {
		return &InvalidTransitionError{From: string(cur.Status), To: string(next)}
	}
	return nil
}

func allowed[S comparable](targets []S, next S) bool {
	for _, t := range targets {
		if t == next {
			return true
		}
	}
	return false
}
