package counters

import (
	"dragoncounters/cd"
	"dragoncounters/storage"
	"github.com/cockroachdb/errors"
)

// Change is one record of the change feed.
type Change struct {
	ID           string
	ChangeVector string
	Collection   string
	Etag         int64
	Counters     *cd.GroupRecord
}

func changeOf(row storage.Row) (Change, error) {
	rec, err := decodeRecord(row)
	if err != nil {
		return Change{}, err
	}
	return Change{
		ID:           rec.Key,
		ChangeVector: rec.ChangeVector,
		Collection:   rec.Collection,
		Etag:         rec.Etag,
		Counters:     rec,
	}, nil
}

// ChangesFrom streams every record with etag >= etag in etag order until
// fn returns an error. storage.ErrStopScan ends the stream cleanly.
func (s *Storage) ChangesFrom(tx storage.Tx, etag int64, fn func(Change) error) error {
	if tx == nil {
		return errors.AssertionFailedf("ChangesFrom called without a transaction")
	}
	return tx.ScanByEtag(etag, func(row storage.Row) error {
		c, err := changeOf(row)
		if err != nil {
			return err
		}
		return fn(c)
	})
}

// ChangesFromCollection returns one page of the collection's records with
// etag >= etag, skipping the first skip of them.
func (s *Storage) ChangesFromCollection(tx storage.Tx, collection string, etag int64, skip, take int) ([]Change, error) {
	if tx == nil {
		return nil, errors.AssertionFailedf("ChangesFromCollection called without a transaction")
	}
	if take <= 0 {
		return nil, nil
	}
	var page []Change
	err := tx.ScanCollectionByEtag(collection, etag, func(row storage.Row) error {
		if skip > 0 {
			skip--
			return nil
		}
		c, err := changeOf(row)
		if err != nil {
			return err
		}
		page = append(page, c)
		if len(page) == take {
			return storage.ErrStopScan
		}
		return nil
	})
	return page, err
}

// CountBetween counts the collection's records after afterEtag and in total.
func (s *Storage) CountBetween(tx storage.Tx, collection string, afterEtag int64) (toProcess, total int64, err error) {
	if tx == nil {
		return 0, 0, errors.AssertionFailedf("CountBetween called without a transaction")
	}
	err = tx.ScanCollectionByEtag(collection, 0, func(row storage.Row) error {
		total++
		if row.Etag > afterEtag {
			toProcess++
		}
		return nil
	})
	return toProcess, total, err
}
