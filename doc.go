// Package geodoc provides typed access to a RethinkDB-style document store with
// first-class geo values and change feeds.
//
// # Architecture
//
// geodoc is layered bottom-up:
//
//   - pkg/store: the driver contract. A Conn runs table and index administration,
//     writes, queries built from Term values, and change feeds. pkg/store/mongostore
//     implements it over MongoDB and pkg/store/embedded over an in-process bbolt or
//     in-memory store.
//   - pkg/clients: a bounded ConnectionPool with a maintenance loop that keeps between
//     MinFreeConnections and MaxFreeConnections idle connections, heals broken ones
//     and drains on Shutdown.
//   - pkg/geo and pkg/mapper: Point, Line and Polygon values and the conversion of
//     records to and from the untyped representation stores accept. Geo values
//     survive the round trip at any depth.
//   - pkg/dao: GenericDAO, typed CRUD over one table with closable lazy reads and
//     cancellable change feeds.
//
// # Quick Start
//
// Open a store, provision a table and watch it:
//
//	s, err := embedded.Open("places.db", nil)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	places, err := dao.New[Place, int64](store.Persistent(s.Connect()), dao.Schema{
//		TableName:       "places",
//		PrimaryKeyField: "id",
//		Indices: dao.NewIndexSet(
//			dao.IndexDescriptor{Fields: []string{"location"}, Geo: true},
//		),
//	})
//	if err != nil {
//		return err
//	}
//	if err := places.InitTable(ctx); err != nil {
//		return err
//	}
//
//	feed, err := places.Changes(ctx)
//	if err != nil {
//		return err
//	}
//	defer feed.Close()
//	for e := range feed.C() {
//		fmt.Println(e.Kind(), e.Old, e.New)
//	}
//
// Against MongoDB, hand the DAO a started clients.ConnectionPool with
// mongostore.NewDialer instead of a persistent connection.
//
// # Command Line
//
// cmd/geodoc provisions the tables declared in a YAML configuration (init), checks
// connectivity (ping) and streams a table's change feed as JSON lines (watch).
package geodoc
