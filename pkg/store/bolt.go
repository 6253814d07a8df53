package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Collection names of the durable store.
const (
	ColNodes              = "nodes"
	ColVMs                = "vms"
	ColUsers              = "users"
	ColImages             = "images"
	ColPricingTiers       = "pricingTiers"
	ColEvents             = "events"
	ColAttestations       = "attestations"
	ColUsageRecords       = "usageRecords"
	ColVMTemplates        = "vmTemplates"
	ColTemplateCategories = "templateCategories"
	ColMarketplaceReviews = "marketplaceReviews"
	ColReferrals          = "referrals"
	ColCreditGrants       = "creditGrants"
	ColPromoCampaigns     = "promoCampaigns"
	colMeta               = "_meta" // scheduling config and index manifest
)

var allCollections = []string{
	ColNodes, ColVMs, ColUsers, ColImages, ColPricingTiers, ColEvents,
	ColAttestations, ColUsageRecords, ColVMTemplates, ColTemplateCategories,
	ColMarketplaceReviews, ColReferrals, ColCreditGrants, ColPromoCampaigns,
}

// indexSpec declares one secondary index of a collection. Fields are dotted
// JSON paths into the stored document; composite indexes list several.
type indexSpec struct {
	Collection string   `json:"collection"`
	Name       string   `json:"name"`
	Fields     []string `json:"fields"`
	Unique     bool     `json:"unique"`
	Sparse     bool     `json:"sparse"`
}

func (s indexSpec) bucketName() []byte {
	return []byte("idx:" + s.Collection + ":" + s.Name)
}

// declaredIndexes is the wire-level index contract of the durable store.
var declaredIndexes = []indexSpec{
	{Collection: ColNodes, Name: "walletAddress", Fields: []string{"walletAddress"}, Unique: true},
	{Collection: ColNodes, Name: "status", Fields: []string{"status"}},
	{Collection: ColNodes, Name: "lastHeartbeat", Fields: []string{"lastHeartbeat"}},
	{Collection: ColNodes, Name: "region_zone", Fields: []string{"region", "zone"}},
	{Collection: ColUsers, Name: "walletAddress", Fields: []string{"walletAddress"}, Unique: true},
	{Collection: ColUsers, Name: "email", Fields: []string{"email"}, Unique: true, Sparse: true},
	{Collection: ColVMs, Name: "owner_createdAt", Fields: []string{"ownerId", "createdAt"}},
	{Collection: ColVMs, Name: "nodeId", Fields: []string{"nodeId"}},
	{Collection: ColVMs, Name: "status", Fields: []string{"status"}},
	{Collection: ColUsageRecords, Name: "user_createdAt", Fields: []string{"userId", "createdAt"}},
	{Collection: ColEvents, Name: "timestamp", Fields: []string{"timestamp"}},
	{Collection: ColAttestations, Name: "vm_timestamp", Fields: []string{"vmId", "timestamp"}},
	{Collection: ColVMTemplates, Name: "slug", Fields: []string{"slug"}, Unique: true},
	{Collection: ColMarketplaceReviews, Name: "resource_reviewer", Fields: []string{"resourceType", "resourceId", "reviewerId"}, Unique: true},
}

// BoltStore is the bbolt-backed durable store. Documents are JSON keyed by
// id; secondary indexes live in idx:<collection>:<name> buckets whose keys
// are the composite field value, with the document id appended for
// non-unique indexes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path, creates all
// collection buckets and reconciles the index contract.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, col := range allCollections {
			if _, err := tx.CreateBucketIfNotExists([]byte(col)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", col, err)
			}
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(colMeta)); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	if err := s.reconcileIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// reconcileIndexes compares the persisted index manifest against the declared
// contract. An index whose unique or sparse flag differs is dropped and
// rebuilt from the collection documents.
func (s *BoltStore) reconcileIndexes() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(colMeta))
		for _, spec := range declaredIndexes {
			manifestKey := []byte("index:" + spec.Collection + ":" + spec.Name)
			rebuild := false

			existing := meta.Get(manifestKey)
			if existing == nil {
				rebuild = true
			} else {
				var stored indexSpec
				if err := json.Unmarshal(existing, &stored); err != nil {
					rebuild = true
				} else if stored.Unique != spec.Unique || stored.Sparse != spec.Sparse {
					rebuild = true
				}
			}

			if !rebuild {
				continue
			}

			if tx.Bucket(spec.bucketName()) != nil {
				if err := tx.DeleteBucket(spec.bucketName()); err != nil {
					return fmt.Errorf("failed to drop index %s: %w", spec.Name, err)
				}
			}
			idx, err := tx.CreateBucket(spec.bucketName())
			if err != nil {
				return fmt.Errorf("failed to create index %s: %w", spec.Name, err)
			}

			col := tx.Bucket([]byte(spec.Collection))
			err = col.ForEach(func(k, v []byte) error {
				key, ok := indexKey(spec, v, string(k))
				if !ok {
					return nil
				}
				return idx.Put(key, k)
			})
			if err != nil {
				return fmt.Errorf("failed to rebuild index %s: %w", spec.Name, err)
			}

			manifest, err := json.Marshal(spec)
			if err != nil {
				return err
			}
			if err := meta.Put(manifestKey, manifest); err != nil {
				return err
			}
		}
		return nil
	})
}

// indexKey builds the index bucket key for a document. For sparse indexes a
// document with all-empty field values is skipped (ok=false).
func indexKey(spec indexSpec, doc []byte, id string) ([]byte, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, false
	}
	parts := make([]string, 0, len(spec.Fields))
	empty := true
	for _, f := range spec.Fields {
		v := fieldValue(m, f)
		if v != "" {
			empty = false
		}
		parts = append(parts, v)
	}
	if spec.Sparse && empty {
		return nil, false
	}
	composite := strings.Join(parts, "\x1f")
	if spec.Unique {
		return []byte(composite), true
	}
	// Non-unique: append the id so multiple documents can share a value.
	return []byte(composite + "\x00" + id), true
}

func fieldValue(m map[string]interface{}, path string) string {
	cur := interface{}(m)
	for _, seg := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = mm[seg]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func collectionIndexes(collection string) []indexSpec {
	var specs []indexSpec
	for _, s := range declaredIndexes {
		if s.Collection == collection {
			specs = append(specs, s)
		}
	}
	return specs
}

// put upserts a document, maintaining secondary indexes. Unique index
// violations return types.ErrConflict with the offending field.
func (s *BoltStore) put(collection, id string, doc []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		col := tx.Bucket([]byte(collection))
		old := col.Get([]byte(id))

		for _, spec := range collectionIndexes(collection) {
			idx := tx.Bucket(spec.bucketName())
			if idx == nil {
				continue
			}

			newKey, newOK := indexKey(spec, doc, id)

			if spec.Unique && newOK {
				if existing := idx.Get(newKey); existing != nil && !bytes.Equal(existing, []byte(id)) {
					return fmt.Errorf("%w: %s.%s duplicate value for %s (held by %s)",
						types.ErrConflict, collection, spec.Name, id, existing)
				}
			}

			if old != nil {
				if oldKey, ok := indexKey(spec, old, id); ok && (!newOK || !bytes.Equal(oldKey, newKey)) {
					if err := idx.Delete(oldKey); err != nil {
						return err
					}
				}
			}
			if newOK {
				if err := idx.Put(newKey, []byte(id)); err != nil {
					return err
				}
			}
		}

		return col.Put([]byte(id), doc)
	})
}

// get fetches a raw document; nil with types.ErrNotFound when absent.
func (s *BoltStore) get(collection, id string) ([]byte, error) {
	var doc []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(collection)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", collection, id, types.ErrNotFound)
		}
		doc = make([]byte, len(data))
		copy(doc, data)
		return nil
	})
	return doc, err
}

// delete removes a document and its index entries. Deleting a missing
// document is a no-op.
func (s *BoltStore) delete(collection, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		col := tx.Bucket([]byte(collection))
		old := col.Get([]byte(id))
		if old == nil {
			return nil
		}
		for _, spec := range collectionIndexes(collection) {
			idx := tx.Bucket(spec.bucketName())
			if idx == nil {
				continue
			}
			if key, ok := indexKey(spec, old, id); ok {
				if err := idx.Delete(key); err != nil {
					return err
				}
			}
		}
		return col.Delete([]byte(id))
	})
}

// lookupUnique resolves a unique index value to a document id.
func (s *BoltStore) lookupUnique(collection, index, value string) (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, spec := range collectionIndexes(collection) {
			if spec.Name != index {
				continue
			}
			idx := tx.Bucket(spec.bucketName())
			if idx == nil {
				break
			}
			if v := idx.Get([]byte(value)); v != nil {
				id = string(v)
				return nil
			}
		}
		return fmt.Errorf("%s.%s=%s: %w", collection, index, value, types.ErrNotFound)
	})
	return id, err
}

// scan iterates every document of a collection, decoding each into a fresh
// T and collecting those accepted by keep.
func scan[T any](s *BoltStore, collection string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		return b.ForEach(func(k, v []byte) error {
			item := new(T)
			if err := json.Unmarshal(v, item); err != nil {
				return fmt.Errorf("corrupt %s document %s: %w", collection, k, err)
			}
			if keep == nil || keep(item) {
				out = append(out, item)
			}
			return nil
		})
	})
	return out, err
}

// --- typed operations ---

func (s *BoltStore) SaveNode(n *types.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.put(ColNodes, n.ID, data)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	doc, err := s.get(ColNodes, id)
	if err != nil {
		return nil, err
	}
	var n types.Node
	if err := json.Unmarshal(doc, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) GetNodeByWallet(addr string) (*types.Node, error) {
	id, err := s.lookupUnique(ColNodes, "walletAddress", addr)
	if err != nil {
		return nil, err
	}
	return s.GetNode(id)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(ColNodes, id)
}

func (s *BoltStore) ListNodes(keep func(*types.Node) bool) ([]*types.Node, error) {
	return scan(s, ColNodes, keep)
}

func (s *BoltStore) SaveVM(vm *types.VirtualMachine) error {
	data, err := json.Marshal(vm)
	if err != nil {
		return err
	}
	return s.put(ColVMs, vm.ID, data)
}

func (s *BoltStore) GetVM(id string) (*types.VirtualMachine, error) {
	doc, err := s.get(ColVMs, id)
	if err != nil {
		return nil, err
	}
	var vm types.VirtualMachine
	if err := json.Unmarshal(doc, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs(keep func(*types.VirtualMachine) bool) ([]*types.VirtualMachine, error) {
	return scan(s, ColVMs, keep)
}

func (s *BoltStore) SaveUser(u *types.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.put(ColUsers, u.ID, data)
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	doc, err := s.get(ColUsers, id)
	if err != nil {
		return nil, err
	}
	var u types.User
	if err := json.Unmarshal(doc, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	return scan[types.User](s, ColUsers, nil)
}

func (s *BoltStore) SaveUsageRecord(r *types.UsageRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.put(ColUsageRecords, r.ID, data)
}

func (s *BoltStore) ListUsageRecords(keep func(*types.UsageRecord) bool) ([]*types.UsageRecord, error) {
	return scan(s, ColUsageRecords, keep)
}

func (s *BoltStore) DeleteUsageRecord(id string) error {
	return s.delete(ColUsageRecords, id)
}

func (s *BoltStore) SaveEvent(e *types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.put(ColEvents, e.ID, data)
}

func (s *BoltStore) SaveAttestation(a *types.Attestation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.put(ColAttestations, a.ID, data)
}

func (s *BoltStore) ListAttestations(vmID string) ([]*types.Attestation, error) {
	recs, err := scan(s, ColAttestations, func(a *types.Attestation) bool {
		return a.VMID == vmID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	return recs, nil
}

func (s *BoltStore) SaveImage(img *types.Image) error {
	data, err := json.Marshal(img)
	if err != nil {
		return err
	}
	return s.put(ColImages, img.ID, data)
}

func (s *BoltStore) GetImage(id string) (*types.Image, error) {
	doc, err := s.get(ColImages, id)
	if err != nil {
		return nil, err
	}
	var img types.Image
	if err := json.Unmarshal(doc, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *BoltStore) ListImages() ([]*types.Image, error) {
	return scan[types.Image](s, ColImages, nil)
}

func (s *BoltStore) SavePricingTier(t *types.PricingTier) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.put(ColPricingTiers, t.ID, data)
}

func (s *BoltStore) ListPricingTiers() ([]*types.PricingTier, error) {
	return scan[types.PricingTier](s, ColPricingTiers, nil)
}

func (s *BoltStore) SaveTemplate(t *types.VMTemplate) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.put(ColVMTemplates, t.ID, data)
}

func (s *BoltStore) GetTemplate(id string) (*types.VMTemplate, error) {
	doc, err := s.get(ColVMTemplates, id)
	if err != nil {
		return nil, err
	}
	var t types.VMTemplate
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveSchedulingConfig persists the global scheduling policy.
func (s *BoltStore) SaveSchedulingConfig(cfg *types.SchedulingConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(colMeta)).Put([]byte("schedulingConfig"), data)
	})
}

// GetSchedulingConfig loads the stored policy; types.ErrNotFound when none
// has ever been saved.
func (s *BoltStore) GetSchedulingConfig() (*types.SchedulingConfig, error) {
	var cfg types.SchedulingConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(colMeta)).Get([]byte("schedulingConfig"))
		if data == nil {
			return fmt.Errorf("scheduling config: %w", types.ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
