package db

import (
	"context"

	"github.com/tokenguard/gateway/internal/models"
)

func (db *DB) GetAPIKeyByValue(ctx context.Context, keyValue string) (*models.APIKey, error) {
	query := `
        SELECT id, user_id, key_name, key_value, state, created_at, last_used
        FROM api_keys
        WHERE key_value = $1
    `

	var key models.APIKey
	err := db.Pool.QueryRow(ctx, query, keyValue).Scan(
		&key.ID,
		&key.UserID,
		&key.KeyName,
		&key.KeyValue,
		&key.State,
		&key.CreatedAt,
		&key.LastUsed,
	)

	if err != nil {
		return nil, err
	}

	return &key, nil
}

func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, keyID int) error {
	query := `UPDATE api_keys SET last_used = NOW() WHERE id = $1`

	_, err := db.Pool.Exec(ctx, query, keyID)
	return err
}

func (db *DB) ListAPIKeys(ctx context.Context, userID int) ([]models.APIKey, error) {
	query := `
        SELECT id, user_id, key_name, key_value, state, created_at, last_used
        FROM api_keys
        WHERE user_id = $1
        ORDER BY key_name
    `

	rows, err := db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var key models.APIKey
		if err := rows.Scan(&key.ID, &key.UserID, &key.KeyName, &key.KeyValue,
			&key.State, &key.CreatedAt, &key.LastUsed); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (db *DB) GetAPIKeyByID(ctx context.Context, keyID, userID int) (*models.APIKey, error) {
	query := `
        SELECT id, user_id, key_name, key_value, state, created_at, last_used
        FROM api_keys
        WHERE id = $1 AND user_id = $2
    `

	var key models.APIKey
	err := db.Pool.QueryRow(ctx, query, keyID, userID).Scan(
		&key.ID,
		&key.UserID,
		&key.KeyName,
		&key.KeyValue,
		&key.State,
		&key.CreatedAt,
		&key.LastUsed,
	)

	if err != nil {
		return nil, err
	}

	return &key, nil
}

func (db *DB) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	query := `
        INSERT INTO api_keys (user_id, key_name, key_value, state)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at
    `

	return db.Pool.QueryRow(ctx, query,
		key.UserID,
		key.KeyName,
		key.KeyValue,
		key.State,
	).Scan(&key.ID, &key.CreatedAt)
}

func (db *DB) SetAPIKeyState(ctx context.Context, keyID, userID int, state string) error {
	query := `UPDATE api_keys SET state = $1 WHERE id = $2 AND user_id = $3`

	_, err := db.Pool.Exec(ctx, query, state, keyID, userID)
	return err
}

// RotateAPIKeyValue replaces the secret while keeping the key name and id.
func (db *DB) RotateAPIKeyValue(ctx context.Context, keyID, userID int, newValue string) error {
	query := `UPDATE api_keys SET key_value = $1 WHERE id = $2 AND user_id = $3`

	_, err := db.Pool.Exec(ctx, query, newValue, keyID, userID)
	return err
}

func (db *DB) ListBannedKeywords(ctx context.Context, apiKeyID int) ([]models.BannedKeyword, error) {
	query := `
        SELECT id, api_key_id, keyword, created_at
        FROM banned_keywords
        WHERE api_key_id = $1
        ORDER BY id
    `

	rows, err := db.Pool.Query(ctx, query, apiKeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keywords []models.BannedKeyword
	for rows.Next() {
		var kw models.BannedKeyword
		if err := rows.Scan(&kw.ID, &kw.APIKeyID, &kw.Keyword, &kw.CreatedAt); err != nil {
			return nil, err
		}
		keywords = append(keywords, kw)
	}

	return keywords, rows.Err()
}

func (db *DB) AddBannedKeyword(ctx context.Context, kw *models.BannedKeyword) error {
	query := `
        INSERT INTO banned_keywords (api_key_id, keyword)
        VALUES ($1, $2)
        ON CONFLICT (api_key_id, keyword) DO NOTHING
        RETURNING id, created_at
    `

	return db.Pool.QueryRow(ctx, query, kw.APIKeyID, kw.Keyword).Scan(&kw.ID, &kw.CreatedAt)
}

func (db *DB) RemoveBannedKeyword(ctx context.Context, apiKeyID, keywordID int) error {
	query := `DELETE FROM banned_keywords WHERE id = $1 AND api_key_id = $2`

	_, err := db.Pool.Exec(ctx, query, keywordID, apiKeyID)
	return err
}

func (db *DB) LogProxyRequest(ctx context.Context, log *models.ProxyLog) error {
	query := `
        INSERT INTO proxy_logs (request_id, api_key_id, key_value, status, from_cache,
                                matched_keyword, client_ip, user_agent, processing_time_ms,
                                input_tokens, output_tokens, cost_usd, cost_saved_usd)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `

	_, err := db.Pool.Exec(ctx, query,
		log.RequestID,
		log.APIKeyID,
		log.KeyValue,
		log.Status,
		log.FromCache,
		log.MatchedKeyword,
		log.ClientIP,
		log.UserAgent,
		log.ProcessingTimeMs,
		log.InputTokens,
		log.OutputTokens,
		log.CostUSD,
		log.CostSavedUSD,
	)

	return err
}

func (db *DB) ListProxyLogs(ctx context.Context, userID, limit, offset int) ([]models.ProxyLog, error) {
	query := `
        SELECT l.id, l.request_id, l.api_key_id, l.key_value, l.status, l.from_cache,
               l.matched_keyword, l.client_ip, l.user_agent, l.processing_time_ms,
               l.input_tokens, l.output_tokens, l.cost_usd, l.cost_saved_usd, l.created_at
        FROM proxy_logs l
        JOIN api_keys k ON k.id = l.api_key_id
        WHERE k.user_id = $1
        ORDER BY l.created_at DESC
        LIMIT $2 OFFSET $3
    `

	rows, err := db.Pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ProxyLog
	for rows.Next() {
		var l models.ProxyLog
		if err := rows.Scan(&l.ID, &l.RequestID, &l.APIKeyID, &l.KeyValue, &l.Status,
			&l.FromCache, &l.MatchedKeyword, &l.ClientIP, &l.UserAgent,
			&l.ProcessingTimeMs, &l.InputTokens, &l.OutputTokens,
			&l.CostUSD, &l.CostSavedUSD, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
