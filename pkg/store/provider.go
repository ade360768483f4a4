package store

import "context"

// Lease is a connection borrowed from a Provider. Release must be called exactly once
// when the caller is done; further calls are no-ops.
type Lease interface {
	Conn
	Release()
}

// Provider hands out connections.
type Provider interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Persistent returns a Provider backed by a single long-lived connection. Releasing a
// lease from it does not close the connection.
func Persistent(conn Conn) Provider {
	return persistent{conn: conn}
}

type persistent struct {
	conn Conn
}

func (p persistent) Acquire(context.Context) (Lease, error) {
	return persistentLease{Conn: p.conn}, nil
}

type persistentLease struct {
	Conn
}

func (persistentLease) Release() {}

// Close releases the lease instead of closing the shared connection.
func (persistentLease) Close(context.Context) error { return nil }
