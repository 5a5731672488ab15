package remote

import "context"

// Offline returns a DocumentStore that fails every call with a
// *TransportError wrapping cause. It stands in for a remote that could not
// be reached at startup so local work can continue and pushes stay pending.
func Offline(driver Driver, cause error) DocumentStore {
	return &offlineStore{driver: string(driver), cause: cause}
}

type offlineStore struct {
	driver string
	cause  error
}

func (s *offlineStore) FetchCases(context.Context) ([]CaseDocument, error) {
	return nil, transportErr(s.driver, "fetch cases", s.cause)
}

func (s *offlineStore) PutCase(context.Context, CaseDocument) error {
	return transportErr(s.driver, "put case", s.cause)
}

func (s *offlineStore) PutSession(context.Context, SessionDocument) error {
	return transportErr(s.driver, "put session", s.cause)
}

func (s *offlineStore) GetSession(context.Context, string) (*SessionDocument, error) {
	return nil, transportErr(s.driver, "get session", s.cause)
}

func (s *offlineStore) Close() error { return nil }
