package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"citizen-report-coordinator/pkg/report"
)

const (
	reportsCollection  = "reports"
	countersCollection = "counters"
	watchesCollection  = "escalation_watches"
)

// MongoReports keeps each report as one document with its history embedded,
// so a status change and its history entry are written by a single
// conditional update.
type MongoReports struct {
	reports  *mongo.Collection
	counters *mongo.Collection
}

func NewMongoReports(db *mongo.Database) *MongoReports {
	return &MongoReports{
		reports:  db.Collection(reportsCollection),
		counters: db.Collection(countersCollection),
	}
}

// EnsureIndexes creates the indexes the store relies on.
func (s *MongoReports) EnsureIndexes(ctx context.Context) error {
	_, err := s.reports.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "reference_number", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "reporter_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create report indexes: %w", err)
	}
	return nil
}

func (s *MongoReports) Create(ctx context.Context, r *report.Report) error {
	if r.History == nil {
		r.History = []report.StatusChange{}
	}
	if _, err := s.reports.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (s *MongoReports) Get(ctx context.Context, id string) (*report.Report, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoReports) GetByReference(ctx context.Context, ref string) (*report.Report, error) {
	return s.findOne(ctx, bson.M{"reference_number": ref})
}

func (s *MongoReports) findOne(ctx context.Context, filter bson.M) (*report.Report, error) {
	var r report.Report
	err := s.reports.FindOne(ctx, filter).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch report: %w", err)
	}
	return &r, nil
}

func (s *MongoReports) List(ctx context.Context, f Filter) ([]report.Report, error) {
	filter := bson.M{}
	if f.ReporterID != "" {
		filter["reporter_id"] = f.ReporterID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.PublicOnly {
		filter["type"] = bson.M{"$ne": report.TypePrivate}
	}
	if !f.Since.IsZero() {
		filter["created_at"] = bson.M{"$gte": f.Since}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"history": 0})
	if f.Limit > 0 {
		opts.SetLimit(f.Limit)
	}

	cursor, err := s.reports.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reports: %w", err)
	}
	defer cursor.Close(ctx)

	reports := make([]report.Report, 0)
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode reports: %w", err)
	}
	return reports, nil
}

func (s *MongoReports) History(ctx context.Context, id string) ([]report.StatusChange, error) {
	var doc struct {
		History []report.StatusChange `bson:"history"`
	}
	opts := options.FindOne().SetProjection(bson.M{"history": 1})
	err := s.reports.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	return doc.History, nil
}

func (s *MongoReports) ApplyTransition(ctx context.Context, m Mutation) (*report.Report, error) {
	set := bson.M{
		"status":     m.To,
		"updated_at": m.Change.CreatedAt,
	}
	if m.DepartmentID != nil {
		set["department_id"] = *m.DepartmentID
	}
	if m.StaffID != nil {
		set["staff_id"] = *m.StaffID
	}
	if m.Tier != nil {
		set["tier"] = *m.Tier
	}
	if m.EscalationLevel != nil {
		set["escalation_level"] = *m.EscalationLevel
	}
	if m.SLADeadline != nil && !m.ClearDeadline {
		set["sla_deadline"] = *m.SLADeadline
	}
	if m.EscalatedAt != nil {
		set["escalated_at"] = *m.EscalatedAt
	}
	update := bson.M{
		"$set":  set,
		"$push": bson.M{"history": m.Change},
	}
	if m.ClearDeadline {
		update["$unset"] = bson.M{"sla_deadline": ""}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated report.Report
	err := s.reports.FindOneAndUpdate(ctx, bson.M{"_id": m.ReportID, "status": m.From}, update, opts).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	count, cerr := s.reports.CountDocuments(ctx, bson.M{"_id": m.ReportID})
	if cerr != nil {
		return nil, fmt.Errorf("failed to update status: %w", cerr)
	}
	if count == 0 {
		return nil, report.ErrNotFound
	}
	return nil, fmt.Errorf("report %s no longer %s: %w", m.ReportID, m.From, report.ErrConflict)
}

func (s *MongoReports) NextReference(ctx context.Context, at time.Time) (string, error) {
	year := at.UTC().Year()
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": fmt.Sprintf("report_ref_%d", year)},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return "", fmt.Errorf("failed to allocate reference number: %w", err)
	}
	return report.FormatReference(year, counter.Seq), nil
}

// MongoWatches stores one watch document per report, keyed by report id.
type MongoWatches struct {
	watches *mongo.Collection
}

func NewMongoWatches(db *mongo.Database) *MongoWatches {
	return &MongoWatches{watches: db.Collection(watchesCollection)}
}

func (s *MongoWatches) EnsureIndexes(ctx context.Context) error {
	_, err := s.watches.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "active", Value: 1}, {Key: "deadline", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create watch index: %w", err)
	}
	return nil
}

func (s *MongoWatches) Register(ctx context.Context, w report.EscalationWatch) error {
	w.Active = true
	filter := bson.M{"_id": w.ReportID, "level": bson.M{"$lte": w.Level}}
	_, err := s.watches.ReplaceOne(ctx, filter, w, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// A watch at a higher level already exists.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to register watch: %w", err)
	}
	return nil
}

func (s *MongoWatches) Cancel(ctx context.Context, reportID string) error {
	_, err := s.watches.UpdateOne(ctx,
		bson.M{"_id": reportID, "active": true},
		bson.M{"$set": bson.M{"active": false}},
	)
	if err != nil {
		return fmt.Errorf("failed to cancel watch: %w", err)
	}
	return nil
}

func (s *MongoWatches) Claim(ctx context.Context, reportID string, level int) (bool, error) {
	res, err := s.watches.UpdateOne(ctx,
		bson.M{"_id": reportID, "level": level, "active": true},
		bson.M{"$set": bson.M{"active": false}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim watch: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoWatches) Due(ctx context.Context, now time.Time, limit int) ([]report.EscalationWatch, error) {
	opts := options.Find().SetSort(bson.D{{Key: "deadline", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.watches.Find(ctx, bson.M{"active": true, "deadline": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to scan watches: %w", err)
	}
	defer cursor.Close(ctx)

	var out []report.EscalationWatch
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode watches: %w", err)
	}
	return out, nil
}

func (s *MongoWatches) Active(ctx context.Context, reportID string) (*report.EscalationWatch, error) {
	var w report.EscalationWatch
	err := s.watches.FindOne(ctx, bson.M{"_id": reportID, "active": true}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch watch: %w", err)
	}
	return &w, nil
}
