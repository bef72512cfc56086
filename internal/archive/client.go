package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"go.uber.org/zap"
)

// Client indexes finalized logs into Elasticsearch.
type Client struct {
	esClient  *elasticsearch.Client
	indexName string
	logger    *zap.Logger
}

func NewClient(esClient *elasticsearch.Client, indexName string, logger *zap.Logger) *Client {
	return &Client{
		esClient:  esClient,
		indexName: indexName,
		logger:    logger,
	}
}

type EsDocument struct {
	Id      string
	Payload []byte
}

// LogDocument is the indexed form of a finalized log.
type LogDocument struct {
	Kind             events.Kind `json:"kind"`
	Address          string      `json:"address"`
	Topics           []string    `json:"topics"`
	Data             string      `json:"data"`
	BlockNumber      uint64      `json:"blockNumber"`
	BlockHash        string      `json:"blockHash"`
	TransactionHash  string      `json:"transactionHash"`
	TransactionIndex uint        `json:"transactionIndex"`
	LogIndex         uint        `json:"logIndex"`
}

// DocumentID identifies a log by transaction and position, so re-indexing a
// replayed range overwrites instead of duplicating.
func DocumentID(log types.Log) string {
	return log.TxHash.Hex() + "-" + strconv.FormatUint(uint64(log.Index), 10)
}

// ToDocuments converts logs of one kind into bulk documents.
func ToDocuments(kind events.Kind, logs []types.Log) ([]*EsDocument, error) {
	docs := make([]*EsDocument, 0, len(logs))
	for _, l := range logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		payload, err := json.Marshal(LogDocument{
			Kind:             kind,
			Address:          l.Address.Hex(),
			Topics:           topics,
			Data:             hexutil.Encode(l.Data),
			BlockNumber:      l.BlockNumber,
			BlockHash:        l.BlockHash.Hex(),
			TransactionHash:  l.TxHash.Hex(),
			TransactionIndex: l.TxIndex,
			LogIndex:         l.Index,
		})
		if err != nil {
			return nil, fmt.Errorf("marshalling log document: %w", err)
		}
		docs = append(docs, &EsDocument{Id: DocumentID(l), Payload: payload})
	}
	return docs, nil
}

// IndexLogs archives logs of one kind.
func (c *Client) IndexLogs(ctx context.Context, kind events.Kind, logs []types.Log) error {
	if len(logs) == 0 {
		return nil
	}
	docs, err := ToDocuments(kind, logs)
	if err != nil {
		return err
	}
	return c.BulkIndex(ctx, docs)
}

func (c *Client) BulkIndex(ctx context.Context, documents []*EsDocument) error {
	start := time.Now().UnixMilli()

	bulkIndexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      c.indexName,
		Client:     c.esClient,
		NumWorkers: min(runtime.NumCPU(), 8),
	})
	if err != nil {
		return fmt.Errorf("creating bulk indexer: %w", err)
	}

	for _, document := range documents {
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: document.Id,
			Body:       bytes.NewReader(document.Payload),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, responseItem esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					c.logger.Warn("Error indexing document", zap.String("id", document.Id), zap.Error(err))
				} else {
					c.logger.Warn("Error indexing document",
						zap.String("id", document.Id),
						zap.String("type", responseItem.Error.Type),
						zap.String("reason", responseItem.Error.Reason))
				}
			},
		}
		err = bulkIndexer.Add(ctx, item)
		if err != nil {
			return fmt.Errorf("adding item to bulk indexer: %w", err)
		}
	}

	err = bulkIndexer.Close(ctx)
	if err != nil {
		return fmt.Errorf("closing bulk indexer: %w", err)
	}

	bulkIndexerStats := bulkIndexer.Stats()
	end := time.Now().UnixMilli()

	if bulkIndexerStats.NumFailed > 0 {
		return fmt.Errorf("encountered %d errors while indexing %d documents", bulkIndexerStats.NumFailed, bulkIndexerStats.NumFlushed)
	}

	c.logger.Debug("Indexed documents",
		zap.Uint64("documents", bulkIndexerStats.NumFlushed),
		zap.Uint64("bytes", bulkIndexerStats.FlushedBytes),
		zap.Uint64("requests", bulkIndexerStats.NumRequests),
		zap.Int64("ms", end-start))
	return nil
}
