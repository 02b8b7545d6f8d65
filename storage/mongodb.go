package storage

import (
	"context"
	"fmt"
	"time"

	"bastion/config"
	"bastion/core"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoDB holds the MongoDB connection and the incident, alert and cluster
// collections.
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
	Logger   *zap.SugaredLogger
}

// Collection names
const (
	incidentsCollection      = "incidents"
	incidentEventsCollection = "incident_events"
	alertsCollection         = "alerts"
	clustersCollection       = "alert_clusters"
)

// NewMongoDB creates a new MongoDB connection and ensures indexes.
func NewMongoDB(cfg *config.Config, logger *zap.SugaredLogger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(cfg.MongoDB.URI).
		SetMaxPoolSize(cfg.MongoDB.MaxPoolSize)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m := &MongoDB{
		Client:   client,
		Database: client.Database(cfg.MongoDB.Database),
		Logger:   logger,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Infow("Connected to MongoDB", "database", cfg.MongoDB.Database)
	return m, nil
}

// Close disconnects from MongoDB.
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// HealthCheck pings the server.
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	return m.Client.Ping(ctx, nil)
}

func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	incidentIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "rule_id", Value: 1}, {Key: "status", Value: 1}, {Key: "last_seen", Value: -1}}},
		{Keys: bson.D{{Key: "pattern_id", Value: 1}, {Key: "status", Value: 1}, {Key: "last_seen", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	if _, err := m.Database.Collection(incidentsCollection).Indexes().CreateMany(ctx, incidentIndexes); err != nil {
		return fmt.Errorf("failed to create incident indexes: %w", err)
	}

	// The unique pair index is what makes event linking idempotent.
	linkIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "incident_id", Value: 1}, {Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := m.Database.Collection(incidentEventsCollection).Indexes().CreateOne(ctx, linkIndex); err != nil {
		return fmt.Errorf("failed to create incident event index: %w", err)
	}

	alertIndex := mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}}
	if _, err := m.Database.Collection(alertsCollection).Indexes().CreateOne(ctx, alertIndex); err != nil {
		return fmt.Errorf("failed to create alert index: %w", err)
	}

	clusterIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}
	if _, err := m.Database.Collection(clustersCollection).Indexes().CreateMany(ctx, clusterIndexes); err != nil {
		return fmt.Errorf("failed to create cluster indexes: %w", err)
	}
	return nil
}

// --- incident persistence ---

// InsertIncident stores a new incident.
func (m *MongoDB) InsertIncident(ctx context.Context, incident *core.Incident) error {
	if _, err := m.Database.Collection(incidentsCollection).InsertOne(ctx, incident); err != nil {
		return fmt.Errorf("failed to insert incident %s: %w", incident.ID, err)
	}
	return nil
}

// UpdateIncident replaces an incident document by ID.
func (m *MongoDB) UpdateIncident(ctx context.Context, incident *core.Incident) error {
	res, err := m.Database.Collection(incidentsCollection).
		ReplaceOne(ctx, bson.M{"_id": incident.ID}, incident)
	if err != nil {
		return fmt.Errorf("failed to update incident %s: %w", incident.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, incident.ID)
	}
	return nil
}

// FindOpenIncidents returns open incidents for a rule or pattern key whose
// last_seen is at or after since.
func (m *MongoDB) FindOpenIncidents(ctx context.Context, key string, since time.Time) ([]core.Incident, error) {
	filter := bson.M{
		"status":    core.IncidentStatusOpen,
		"last_seen": bson.M{"$gte": since},
		"$or": bson.A{
			bson.M{"rule_id": key},
			bson.M{"pattern_id": key},
		},
	}
	cursor, err := m.Database.Collection(incidentsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find open incidents: %w", err)
	}
	var incidents []core.Incident
	if err := cursor.All(ctx, &incidents); err != nil {
		return nil, fmt.Errorf("failed to decode open incidents: %w", err)
	}
	return incidents, nil
}

// GetIncidentByID returns a single incident.
func (m *MongoDB) GetIncidentByID(ctx context.Context, id string) (*core.Incident, error) {
	var incident core.Incident
	err := m.Database.Collection(incidentsCollection).
		FindOne(ctx, bson.M{"_id": id}).Decode(&incident)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %s: %w", id, err)
	}
	return &incident, nil
}

// GetActiveIncidents returns open and investigating incidents.
func (m *MongoDB) GetActiveIncidents(ctx context.Context) ([]core.Incident, error) {
	filter := bson.M{"status": bson.M{"$in": bson.A{
		core.IncidentStatusOpen, core.IncidentStatusInvestigating,
	}}}
	cursor, err := m.Database.Collection(incidentsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find active incidents: %w", err)
	}
	var incidents []core.Incident
	if err := cursor.All(ctx, &incidents); err != nil {
		return nil, fmt.Errorf("failed to decode active incidents: %w", err)
	}
	return incidents, nil
}

// LinkEvent records the incident-event join. The unique index makes repeat
// links for the same pair a no-op.
func (m *MongoDB) LinkEvent(ctx context.Context, link core.IncidentEventLink) error {
	_, err := m.Database.Collection(incidentEventsCollection).InsertOne(ctx, link)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to link event %s to incident %s: %w", link.EventID, link.IncidentID, err)
	}
	return nil
}

// GetIncidentStats aggregates counts by status and severity plus the mean
// resolution time for incidents created at or after since.
func (m *MongoDB) GetIncidentStats(ctx context.Context, since time.Time) (*core.IncidentStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"created_at": bson.M{"$gte": since}}}},
		{{Key: "$facet", Value: bson.M{
			"by_status": bson.A{
				bson.M{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
			},
			"by_severity": bson.A{
				bson.M{"$group": bson.M{"_id": "$severity", "count": bson.M{"$sum": 1}}},
			},
			"resolution": bson.A{
				bson.M{"$match": bson.M{"resolved_at": bson.M{"$ne": nil}}},
				bson.M{"$group": bson.M{
					"_id":     nil,
					"mean_ms": bson.M{"$avg": bson.M{"$subtract": bson.A{"$resolved_at", "$created_at"}}},
				}},
			},
		}}},
	}

	cursor, err := m.Database.Collection(incidentsCollection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate incident stats: %w", err)
	}

	var raw []struct {
		ByStatus []struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		} `bson:"by_status"`
		BySeverity []struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		} `bson:"by_severity"`
		Resolution []struct {
			MeanMs float64 `bson:"mean_ms"`
		} `bson:"resolution"`
	}
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode incident stats: %w", err)
	}

	stats := &core.IncidentStats{
		ByStatus:   make(map[string]int64),
		BySeverity: make(map[string]int64),
	}
	if len(raw) == 0 {
		return stats, nil
	}
	for _, row := range raw[0].ByStatus {
		stats.ByStatus[row.ID] = row.Count
		stats.Total += row.Count
	}
	for _, row := range raw[0].BySeverity {
		stats.BySeverity[row.ID] = row.Count
	}
	if len(raw[0].Resolution) > 0 {
		stats.MeanResolutionSec = raw[0].Resolution[0].MeanMs / 1000
	}
	return stats, nil
}

// --- alert persistence ---

// StoreAlert persists an alert for later clustering.
func (m *MongoDB) StoreAlert(ctx context.Context, alert *core.Alert) error {
	if _, err := m.Database.Collection(alertsCollection).InsertOne(ctx, alert); err != nil {
		return fmt.Errorf("failed to store alert %s: %w", alert.ID, err)
	}
	return nil
}

// GetRecentAlerts returns up to limit alerts observed at or after since,
// oldest first. This feeds the clustering pass.
func (m *MongoDB) GetRecentAlerts(ctx context.Context, since time.Time, limit int) ([]*core.Alert, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := m.Database.Collection(alertsCollection).
		Find(ctx, bson.M{"timestamp": bson.M{"$gte": since}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find recent alerts: %w", err)
	}
	var alerts []*core.Alert
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, fmt.Errorf("failed to decode recent alerts: %w", err)
	}
	return alerts, nil
}

// --- cluster persistence ---

// StoreCluster persists a new alert cluster.
func (m *MongoDB) StoreCluster(ctx context.Context, cluster *core.AlertCluster) error {
	if _, err := m.Database.Collection(clustersCollection).InsertOne(ctx, cluster); err != nil {
		return fmt.Errorf("failed to store cluster %s: %w", cluster.ID, err)
	}
	return nil
}

// UpdateCluster replaces a cluster document by ID.
func (m *MongoDB) UpdateCluster(ctx context.Context, cluster *core.AlertCluster) error {
	res, err := m.Database.Collection(clustersCollection).
		ReplaceOne(ctx, bson.M{"_id": cluster.ID}, cluster)
	if err != nil {
		return fmt.Errorf("failed to update cluster %s: %w", cluster.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, cluster.ID)
	}
	return nil
}

// GetRecentClusters returns clusters updated at or after since.
func (m *MongoDB) GetRecentClusters(ctx context.Context, since time.Time) ([]*core.AlertCluster, error) {
	cursor, err := m.Database.Collection(clustersCollection).
		Find(ctx, bson.M{"updated_at": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("failed to find recent clusters: %w", err)
	}
	var clusters []*core.AlertCluster
	if err := cursor.All(ctx, &clusters); err != nil {
		return nil, fmt.Errorf("failed to decode recent clusters: %w", err)
	}
	return clusters, nil
}

// GetClustersByStatus returns clusters in a lifecycle state.
func (m *MongoDB) GetClustersByStatus(ctx context.Context, status core.ClusterStatus) ([]*core.AlertCluster, error) {
	cursor, err := m.Database.Collection(clustersCollection).Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, fmt.Errorf("failed to find clusters by status: %w", err)
	}
	var clusters []*core.AlertCluster
	if err := cursor.All(ctx, &clusters); err != nil {
		return nil, fmt.Errorf("failed to decode clusters: %w", err)
	}
	return clusters, nil
}

// DeleteCluster removes a cluster.
func (m *MongoDB) DeleteCluster(ctx context.Context, id string) error {
	res, err := m.Database.Collection(clustersCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete cluster %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	return nil
}
