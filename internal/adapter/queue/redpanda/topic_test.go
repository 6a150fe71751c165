package redpanda

import (
	"context"
	"testing"
)

func TestCreateTopicIfNotExistsRejectsEmptyTopic(t *testing.T) {
	err := createTopicIfNotExists(context.Background(), nil, "", 1, 1)
	if err == nil {
		t.Fatal("expected an error for an empty topic name")
	}
}

func TestCreateTopicIfNotExistsRejectsNonPositivePartitions(t *testing.T) {
	err := createTopicIfNotExists(context.Background(), nil, "billing-notices", 0, 1)
	if err == nil {
		t.Fatal("expected an error for zero partitions")
	}
}

func TestCreateTopicIfNotExistsRejectsNonPositiveReplicationFactor(t *testing.T) {
	err := createTopicIfNotExists(context.Background(), nil, "billing-notices", 1, 0)
	if err == nil {
		t.Fatal("expected an error for zero replication factor")
	}
}
