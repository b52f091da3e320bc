package connection

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/conversocial/shardmonster/internal/errors"
	"github.com/conversocial/shardmonster/pkg/models"
)

// replSetConfig is the part of the replSetGetConfig response we inspect
type replSetConfig struct {
	Config struct {
		Members []struct {
			Host   string `bson:"host"`
			Hidden bool   `bson:"hidden"`
		} `bson:"members"`
	} `bson:"config"`
}

// ConfigureHiddenSecondary records the host of an out-of-rotation replica
// for the named cluster. Bulk deletes may read from it to keep load off the
// primaries.
func (m *Manager) ConfigureHiddenSecondary(ctx context.Context, clusterName, host string) error {
	res, err := m.clusters().UpdateOne(ctx,
		bson.M{"name": clusterName},
		bson.M{"$set": bson.M{"hidden_secondary_host": host}})
	if err != nil {
		return fmt.Errorf("failed to configure hidden secondary for %s: %w", clusterName, err)
	}
	if res.MatchedCount == 0 {
		return errors.UnknownCluster(clusterName)
	}
	return nil
}

// HiddenSecondaryHost returns the configured hidden secondary host for a
// cluster, or "" if none is configured.
func (m *Manager) HiddenSecondaryHost(ctx context.Context, clusterName string) (string, error) {
	var cluster models.Cluster
	err := m.clusters().FindOne(ctx, bson.M{"name": clusterName}).Decode(&cluster)
	if err == mongo.ErrNoDocuments {
		return "", errors.UnknownCluster(clusterName)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up cluster %s: %w", clusterName, err)
	}
	return cluster.HiddenSecondaryHost, nil
}

// HiddenSecondaryConnection returns a client connected directly to the
// cluster's hidden secondary. The configured host must actually be present
// and marked hidden in the live replica-set config. Connections are cached
// by host until CloseHiddenSecondaries.
func (m *Manager) HiddenSecondaryConnection(ctx context.Context, callerID, clusterName string) (*mongo.Client, error) {
	host, err := m.HiddenSecondaryHost(ctx, clusterName)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, errors.HiddenSecondary(fmt.Sprintf(
			"no hidden secondary has been configured for %s", clusterName))
	}

	exists, err := m.hiddenSecondaryExists(ctx, callerID, clusterName, host)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.HiddenSecondary(fmt.Sprintf(
			"configured hidden secondary %s for %s does not exist in replica set config",
			host, clusterName))
	}

	m.mu.RLock()
	client, ok := m.hidden[host]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	client, err = dial(ctx, fmt.Sprintf("mongodb://%s/?directConnection=true", host))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hidden secondary %s: %w", host, err)
	}

	m.mu.Lock()
	if cached, ok := m.hidden[host]; ok {
		m.mu.Unlock()
		_ = client.Disconnect(ctx)
		return cached, nil
	}
	m.hidden[host] = client
	m.mu.Unlock()
	return client, nil
}

func (m *Manager) hiddenSecondaryExists(ctx context.Context, callerID, clusterName, expectedHost string) (bool, error) {
	client, err := m.GetConnection(ctx, callerID, clusterName)
	if err != nil {
		return false, err
	}

	var conf replSetConfig
	err = client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).
		Decode(&conf)
	if err != nil {
		return false, fmt.Errorf("failed to read replica set config for %s: %w", clusterName, err)
	}

	for _, member := range conf.Config.Members {
		if member.Hidden && member.Host == expectedHost {
			return true, nil
		}
	}
	return false, nil
}

// CloseHiddenSecondaries closes every cached hidden secondary connection
func (m *Manager) CloseHiddenSecondaries(ctx context.Context) {
	m.mu.Lock()
	clients := m.hidden
	m.hidden = make(map[string]*mongo.Client)
	m.mu.Unlock()

	for host, client := range clients {
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Warn("failed to close hidden secondary connection",
				zap.String("host", host), zap.Error(err))
		}
	}
}
