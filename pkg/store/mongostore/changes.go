package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/store/filter"
)

// changeEvent is the subset of a change stream event the feed needs.
type changeEvent struct {
	OperationType            string `bson:"operationType"`
	FullDocument             bson.M `bson:"fullDocument,omitempty"`
	FullDocumentBeforeChange bson.M `bson:"fullDocumentBeforeChange,omitempty"`
	DocumentKey              bson.M `bson:"documentKey,omitempty"`
}

// Changes implements store.Conn. The server narrows the stream to events where either
// image matches; each event is then filtered again client-side so that an image outside
// the selection is reported as absent.
func (c *Conn) Changes(ctx context.Context, term store.Term) (store.ChangeCursor, error) {
	coll, pk, err := c.collection(ctx, term.TableName())
	if err != nil {
		return nil, err
	}
	key, hasKey := term.Key()

	streamOpts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)

	stream, err := coll.Watch(ctx, changePipeline(term, pk), streamOpts)
	if err != nil {
		return nil, c.fail(err, "failed to open change stream")
	}
	c.logger.Debug("opened change stream", zap.String("table", term.TableName()))

	filters := term.Filters()
	var match func(store.Document) (bool, error)
	if hasKey || len(filters) > 0 {
		match = func(doc store.Document) (bool, error) {
			if hasKey && !filter.Equal(doc[pk], key) {
				return false, nil
			}
			return filter.MatchAll(filters, doc)
		}
	}
	return &changeCursor{conn: c, stream: stream, pk: pk, match: match}, nil
}

func changePipeline(term store.Term, pk string) mongo.Pipeline {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{
			{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
		}}}}},
	}
	if key, ok := term.Key(); ok {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
			{Key: "documentKey." + idField, Value: key},
		}}})
	}
	if len(term.Filters()) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: eitherImage(term.Selector(), pk)}})
	}
	return pipeline
}

// toChange converts an event to old and new images. Without a stored pre-image a delete
// reports its document key.
func toChange(ev changeEvent, pk string) store.Change {
	switch ev.OperationType {
	case "insert":
		return store.Change{NewVal: fromStore(ev.FullDocument, pk)}
	case "update", "replace":
		return store.Change{
			OldVal: fromStore(ev.FullDocumentBeforeChange, pk),
			NewVal: fromStore(ev.FullDocument, pk),
		}
	case "delete":
		old := ev.FullDocumentBeforeChange
		if old == nil {
			old = ev.DocumentKey
		}
		return store.Change{OldVal: fromStore(old, pk)}
	}
	return store.Change{}
}

type changeCursor struct {
	conn   *Conn
	stream *mongo.ChangeStream
	pk     string
	match  func(store.Document) (bool, error)
}

func (c *changeCursor) Next(ctx context.Context) (store.Change, error) {
	for c.stream.Next(ctx) {
		var ev changeEvent
		if err := c.stream.Decode(&ev); err != nil {
			return store.Change{}, errors.Wrap(err, errors.ErrorTypeData, "failed to decode change event")
		}
		out, ok, err := store.FilterChange(toChange(ev, c.pk), c.match)
		if err != nil {
			return store.Change{}, errors.Wrap(err, errors.ErrorTypeQuery, "invalid change feed filter")
		}
		if ok {
			return out, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return store.Change{}, err
	}
	if err := c.stream.Err(); err != nil {
		return store.Change{}, c.conn.fail(err, "change stream failed")
	}
	return store.Change{}, store.ErrCursorClosed
}

func (c *changeCursor) Close(ctx context.Context) error {
	if err := c.stream.Close(ctx); err != nil {
		return c.conn.fail(err, "failed to close change stream")
	}
	return nil
}
