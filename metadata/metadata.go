// Package metadata implements the metadata server: an ordered key-value
// store (bbolt) holding region and data-item records under the
// "region/<id>" and "item/<region_id>/<offset>" key families described
// by the region/data-item data model. The CIS and memory servers never
// touch this store directly; they call through Store's exported methods,
// each of which is a single ACID bbolt transaction.
package metadata

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	"go.etcd.io/bbolt"

	"github.com/openfam/famsvc/famerr"
)

const (
	// NameMaxLen bounds region and data-item names; longer names fail
	// with famerr.NameTooLong.
	NameMaxLen = 255
)

var (
	bucketRegions       = []byte("regions")
	bucketRegionNames   = []byte("region_names")
	bucketDataitems     = []byte("dataitems")
	bucketDataitemNames = []byte("dataitem_names")
	bucketBackups       = []byte("backups")
)

// PermLevel selects whether a region exposes one fabric key for the
// whole region or one key per data item.
type PermLevel string

const (
	PermLevelRegion   PermLevel = "REGION"
	PermLevelDataitem PermLevel = "DATAITEM"
)

// Redundancy is the region's data-protection scheme.
type Redundancy string

const (
	RedundancyNone  Redundancy = "NONE"
	RedundancyRAID1 Redundancy = "RAID1"
	RedundancyRAID5 Redundancy = "RAID5"
)

// MemoryType distinguishes volatile from persistent regions.
type MemoryType string

const (
	MemoryVolatile   MemoryType = "VOLATILE"
	MemoryPersistent MemoryType = "PERSISTENT"
)

// RegionMeta is the persisted record for one region.
type RegionMeta struct {
	RegionID          uint64
	Name              string
	OwnerUID          uint32
	OwnerGID          uint32
	Perm              os.FileMode
	Size              uint64
	Redundancy        Redundancy
	MemoryType        MemoryType
	InterleaveEnabled bool
	InterleaveSize    uint64
	PermLevel         PermLevel
	MemserverIDs      []uint64 // ordered, defines interleave striping order
	AllocCursor       uint64   // round-robin cursor for REGION-level allocate
	CreatedAt         time.Time
}

// DataitemMeta is the persisted record for one data item.
type DataitemMeta struct {
	RegionID  uint64
	Offset    uint64
	Name      string // optional, unique within region if set
	Size      uint64
	OwnerUID  uint32
	OwnerGID  uint32
	Perm      os.FileMode
	CreatedAt time.Time
}

// BackupMeta is the MDS catalog record describing one backup snapshot.
type BackupMeta struct {
	Name               string
	RegionName         string
	ItemName           string
	OriginalSize       uint64
	Mode               os.FileMode
	UID, GID           uint32
	ChunkSize          uint64
	UsedMemserverCount int
	CreatedAt          time.Time
}

// Store is the metadata server's bbolt-backed ordered map.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and
// ensures every bucket this package uses exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, famerr.Wrap("open", famerr.Metadata, "failed to open metadata store", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRegions, bucketRegionNames, bucketDataitems, bucketDataitemNames, bucketBackups} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, famerr.Wrap("open", famerr.Metadata, "failed to initialize buckets", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func regionKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func dataitemKey(regionID, offset uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], regionID)
	binary.BigEndian.PutUint64(b[8:], offset)
	return b
}

func dataitemNameKey(regionID uint64, name string) []byte {
	b := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(b[:8], regionID)
	copy(b[8:], name)
	return b
}

// CreateRegionMeta commits a new region record. Fails with AlreadyExists
// if the name is already taken, NameTooLong if the name exceeds
// NameMaxLen.
func (s *Store) CreateRegionMeta(rm *RegionMeta) error {
	if len(rm.Name) > NameMaxLen {
		return famerr.New("create_region_meta", famerr.NameTooLong, rm.Name)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketRegionNames)
		if names.Get([]byte(rm.Name)) != nil {
			return famerr.New("create_region_meta", famerr.AlreadyExists, rm.Name)
		}
		buf, err := json.Marshal(rm)
		if err != nil {
			return famerr.Wrap("create_region_meta", famerr.Metadata, "marshal failed", err)
		}
		if err := tx.Bucket(bucketRegions).Put(regionKey(rm.RegionID), buf); err != nil {
			return famerr.Wrap("create_region_meta", famerr.Metadata, "put failed", err)
		}
		return names.Put([]byte(rm.Name), regionKey(rm.RegionID))
	})
}

// DestroyRegionMeta removes a region record and every data-item record
// that belongs to it.
func (s *Store) DestroyRegionMeta(regionID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		regions := tx.Bucket(bucketRegions)
		key := regionKey(regionID)
		raw := regions.Get(key)
		if raw == nil {
			return famerr.New("destroy_region_meta", famerr.NotFound, "region not found")
		}
		var rm RegionMeta
		if err := json.Unmarshal(raw, &rm); err != nil {
			return famerr.Wrap("destroy_region_meta", famerr.Metadata, "unmarshal failed", err)
		}
		if err := regions.Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRegionNames).Delete([]byte(rm.Name)); err != nil {
			return err
		}
		return deleteDataitemsForRegion(tx, regionID)
	})
}

func deleteDataitemsForRegion(tx *bbolt.Tx, regionID uint64) error {
	items := tx.Bucket(bucketDataitems)
	names := tx.Bucket(bucketDataitemNames)
	c := items.Cursor()
	prefix := regionKey(regionID)
	var toDelete [][]byte
	var nameToDelete [][]byte
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var di DataitemMeta
		if err := json.Unmarshal(v, &di); err == nil && di.Name != "" {
			nameToDelete = append(nameToDelete, dataitemNameKey(regionID, di.Name))
		}
		toDelete = append(toDelete, append([]byte{}, k...))
	}
	for _, k := range toDelete {
		if err := items.Delete(k); err != nil {
			return err
		}
	}
	for _, k := range nameToDelete {
		if err := names.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ResizeRegionMeta updates the declared size of an existing region.
func (s *Store) ResizeRegionMeta(regionID, newSize uint64) error {
	return s.mutateRegion(regionID, "resize_region_meta", func(rm *RegionMeta) error {
		rm.Size = newSize
		return nil
	})
}

// NextAllocCursor returns the region's current round-robin cursor value
// (for MS selection on a REGION-level allocate) and atomically advances
// it, wrapping naturally via the caller's own modulo against the
// region's server count.
func (s *Store) NextAllocCursor(regionID uint64) (uint64, error) {
	var cur uint64
	err := s.mutateRegion(regionID, "allocate", func(rm *RegionMeta) error {
		cur = rm.AllocCursor
		rm.AllocCursor++
		return nil
	})
	return cur, err
}

// ChangeRegionPermission updates a region's mode bits. Callers must
// already have verified the caller is the owner uid (§4.2).
func (s *Store) ChangeRegionPermission(regionID uint64, perm os.FileMode) error {
	return s.mutateRegion(regionID, "change_region_permission", func(rm *RegionMeta) error {
		rm.Perm = perm
		return nil
	})
}

func (s *Store) mutateRegion(regionID uint64, op string, fn func(*RegionMeta) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		regions := tx.Bucket(bucketRegions)
		key := regionKey(regionID)
		raw := regions.Get(key)
		if raw == nil {
			return famerr.New(op, famerr.NotFound, "region not found")
		}
		var rm RegionMeta
		if err := json.Unmarshal(raw, &rm); err != nil {
			return famerr.Wrap(op, famerr.Metadata, "unmarshal failed", err)
		}
		if err := fn(&rm); err != nil {
			return err
		}
		buf, err := json.Marshal(&rm)
		if err != nil {
			return famerr.Wrap(op, famerr.Metadata, "marshal failed", err)
		}
		return regions.Put(key, buf)
	})
}

// AllocateMeta commits a new data-item record. Fails AlreadyExists if a
// named item with that name already exists in the region.
func (s *Store) AllocateMeta(di *DataitemMeta) error {
	if len(di.Name) > NameMaxLen {
		return famerr.New("allocate_meta", famerr.NameTooLong, di.Name)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if di.Name != "" {
			names := tx.Bucket(bucketDataitemNames)
			nk := dataitemNameKey(di.RegionID, di.Name)
			if names.Get(nk) != nil {
				return famerr.New("allocate_meta", famerr.AlreadyExists, di.Name)
			}
			if err := names.Put(nk, dataitemKey(di.RegionID, di.Offset)); err != nil {
				return err
			}
		}
		buf, err := json.Marshal(di)
		if err != nil {
			return famerr.Wrap("allocate_meta", famerr.Metadata, "marshal failed", err)
		}
		return tx.Bucket(bucketDataitems).Put(dataitemKey(di.RegionID, di.Offset), buf)
	})
}

// DeallocateMeta removes a data-item record.
func (s *Store) DeallocateMeta(regionID, offset uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketDataitems)
		key := dataitemKey(regionID, offset)
		raw := items.Get(key)
		if raw == nil {
			return famerr.New("deallocate_meta", famerr.NotFound, "dataitem not found")
		}
		var di DataitemMeta
		if err := json.Unmarshal(raw, &di); err != nil {
			return famerr.Wrap("deallocate_meta", famerr.Metadata, "unmarshal failed", err)
		}
		if err := items.Delete(key); err != nil {
			return err
		}
		if di.Name != "" {
			if err := tx.Bucket(bucketDataitemNames).Delete(dataitemNameKey(regionID, di.Name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChangeDataitemPermission updates a data item's mode bits.
func (s *Store) ChangeDataitemPermission(regionID, offset uint64, perm os.FileMode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items := tx.Bucket(bucketDataitems)
		key := dataitemKey(regionID, offset)
		raw := items.Get(key)
		if raw == nil {
			return famerr.New("change_dataitem_permission", famerr.NotFound, "dataitem not found")
		}
		var di DataitemMeta
		if err := json.Unmarshal(raw, &di); err != nil {
			return famerr.Wrap("change_dataitem_permission", famerr.Metadata, "unmarshal failed", err)
		}
		di.Perm = perm
		buf, err := json.Marshal(&di)
		if err != nil {
			return famerr.Wrap("change_dataitem_permission", famerr.Metadata, "marshal failed", err)
		}
		return items.Put(key, buf)
	})
}

// LookupRegion resolves a region name to its full metadata record.
func (s *Store) LookupRegion(name string) (rm RegionMeta, err error) {
	txerr := s.db.View(func(tx *bbolt.Tx) error {
		idBuf := tx.Bucket(bucketRegionNames).Get([]byte(name))
		if idBuf == nil {
			return famerr.New("lookup_region", famerr.NotFound, name)
		}
		raw := tx.Bucket(bucketRegions).Get(idBuf)
		if raw == nil {
			return famerr.New("lookup_region", famerr.NotFound, name)
		}
		return json.Unmarshal(raw, &rm)
	})
	return rm, txerr
}

// Lookup resolves a data-item name within a named region.
func (s *Store) Lookup(itemName, regionName string) (di DataitemMeta, err error) {
	rm, err := s.LookupRegion(regionName)
	if err != nil {
		return di, err
	}
	txerr := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketDataitemNames).Get(dataitemNameKey(rm.RegionID, itemName))
		if key == nil {
			return famerr.New("lookup", famerr.NotFound, itemName)
		}
		raw := tx.Bucket(bucketDataitems).Get(key)
		if raw == nil {
			return famerr.New("lookup", famerr.NotFound, itemName)
		}
		return json.Unmarshal(raw, &di)
	})
	return di, txerr
}

// GetRegion fetches a region record by id.
func (s *Store) GetRegion(regionID uint64) (rm RegionMeta, err error) {
	txerr := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRegions).Get(regionKey(regionID))
		if raw == nil {
			return famerr.New("get_region", famerr.NotFound, "region not found")
		}
		return json.Unmarshal(raw, &rm)
	})
	return rm, txerr
}

// GetDataitem fetches a data-item record by (region, offset).
func (s *Store) GetDataitem(regionID, offset uint64) (di DataitemMeta, err error) {
	txerr := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDataitems).Get(dataitemKey(regionID, offset))
		if raw == nil {
			return famerr.New("get_dataitem", famerr.NotFound, "dataitem not found")
		}
		return json.Unmarshal(raw, &di)
	})
	return di, txerr
}

// GetMemserverList returns the ordered MS id list recorded for a region,
// the order used for interleaved striping.
func (s *Store) GetMemserverList(regionID uint64) ([]uint64, error) {
	rm, err := s.GetRegion(regionID)
	if err != nil {
		return nil, err
	}
	return rm.MemserverIDs, nil
}

// SaveBackupMeta persists a backup catalog record, keyed by backup name.
func (s *Store) SaveBackupMeta(bm *BackupMeta) error {
	if len(bm.Name) > NameMaxLen {
		return famerr.New("backup", famerr.NameTooLong, bm.Name)
	}
	buf, err := json.Marshal(bm)
	if err != nil {
		return famerr.Wrap("backup", famerr.Metadata, "marshal failed", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackups).Put([]byte(bm.Name), buf)
	})
}

// GetBackupInfo fetches a backup catalog record by name.
func (s *Store) GetBackupInfo(name string) (bm BackupMeta, err error) {
	txerr := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBackups).Get([]byte(name))
		if raw == nil {
			return famerr.New("get_backup_info", famerr.NotFound, name)
		}
		return json.Unmarshal(raw, &bm)
	})
	return bm, txerr
}

// ListBackup enumerates all backup records, applying the given
// permission filter via checkFn (owner/group/other mode test against
// uid/gid/mode) so only entries the caller may read are returned.
func (s *Store) ListBackup(checkFn func(BackupMeta) bool) (out []BackupMeta, err error) {
	txerr := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var bm BackupMeta
			if err := json.Unmarshal(v, &bm); err != nil {
				return err
			}
			if checkFn == nil || checkFn(bm) {
				out = append(out, bm)
			}
			return nil
		})
	})
	return out, txerr
}

// DeleteBackup removes a backup catalog record.
func (s *Store) DeleteBackup(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b.Get([]byte(name)) == nil {
			return famerr.New("delete_backup", famerr.NotFound, name)
		}
		return b.Delete([]byte(name))
	})
}
