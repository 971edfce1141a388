package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Shops ---

// UpsertShop inserts a shop or updates its token, owner, and name on conflict.
// Message templates and toggles are left untouched so re-onboarding does not
// wipe the owner's settings.
func (s *Store) UpsertShop(shop Shop) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO shops (page_id, owner_id, name, encrypted_access_token, msg_found, msg_not_found, send_image, service_image, service_chat, chat_context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			encrypted_access_token = excluded.encrypted_access_token,
			updated_at = excluded.updated_at`,
		shop.PageID, shop.OwnerID, shop.Name, shop.EncryptedAccessToken,
		shop.MsgFound, shop.MsgNotFound, boolToInt(shop.SendImage),
		boolToInt(shop.ServiceImage), boolToInt(shop.ServiceChat), shop.ChatContext,
		now, now,
	)
	return err
}

// GetShopByPageID returns the shop configured for the given page.
func (s *Store) GetShopByPageID(pageID int64) (Shop, error) {
	var shop Shop
	var sendImage, serviceImage, serviceChat int
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT page_id, owner_id, name, encrypted_access_token, msg_found, msg_not_found, send_image, service_image, service_chat, chat_context, created_at, updated_at
		FROM shops WHERE page_id = ?`, pageID,
	).Scan(&shop.PageID, &shop.OwnerID, &shop.Name, &shop.EncryptedAccessToken,
		&shop.MsgFound, &shop.MsgNotFound, &sendImage, &serviceImage, &serviceChat,
		&shop.ChatContext, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Shop{}, ErrNotFound
	}
	if err != nil {
		return Shop{}, err
	}
	shop.SendImage = sendImage != 0
	shop.ServiceImage = serviceImage != 0
	shop.ServiceChat = serviceChat != 0
	if shop.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Shop{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if shop.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Shop{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return shop, nil
}

// UpdateShopSettings updates the reply templates and toggles for a shop.
func (s *Store) UpdateShopSettings(pageID int64, msgFound, msgNotFound string, sendImage, serviceImage, serviceChat bool, chatContext string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE shops SET msg_found = ?, msg_not_found = ?, send_image = ?, service_image = ?, service_chat = ?, chat_context = ?, updated_at = ?
		WHERE page_id = ?`,
		msgFound, msgNotFound, boolToInt(sendImage), boolToInt(serviceImage),
		boolToInt(serviceChat), chatContext, now, pageID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteShop removes a shop row. The caller is responsible for unsubscribing
// the page from webhooks first.
func (s *Store) DeleteShop(pageID int64) error {
	res, err := s.db.Exec("DELETE FROM shops WHERE page_id = ?", pageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListShopsByOwner returns the page IDs of all shops owned by the given user.
func (s *Store) ListShopsByOwner(ownerID string) ([]int64, error) {
	rows, err := s.db.Query("SELECT page_id FROM shops WHERE owner_id = ? ORDER BY page_id ASC", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pageIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		pageIDs = append(pageIDs, id)
	}
	return pageIDs, rows.Err()
}

// --- Users ---

// UpsertUser inserts a user or updates the name and email on conflict.
// Credits are never touched here; topping up is a separate operation.
func (s *Store) UpsertUser(u User) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO users (facebook_user_id, name, email, credits, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(facebook_user_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email`,
		u.FacebookUserID, u.Name, u.Email, u.Credits, now,
	)
	return err
}

// GetUser returns the user with the given Facebook user ID.
func (s *Store) GetUser(facebookUserID string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`
		SELECT facebook_user_id, name, email, credits, created_at
		FROM users WHERE facebook_user_id = ?`, facebookUserID,
	).Scan(&u.FacebookUserID, &u.Name, &u.Email, &u.Credits, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return u, nil
}

// ConsumeCredit decrements the owner's balance by one in a single conditional
// UPDATE, so concurrent events cannot overspend. Returns the remaining
// balance, ErrNoCredits when the balance is zero, or ErrNotFound when the
// owner does not exist (fail-closed).
func (s *Store) ConsumeCredit(ownerID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE users SET credits = credits - 1
		WHERE facebook_user_id = ? AND credits > 0`, ownerID,
	)
	if err != nil {
		return 0, fmt.Errorf("decrementing credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		var remaining int
		if err := s.db.QueryRow("SELECT credits FROM users WHERE facebook_user_id = ?", ownerID).Scan(&remaining); err != nil {
			return 0, err
		}
		return remaining, nil
	}

	// No row updated: distinguish missing owner from exhausted balance.
	var credits int
	err = s.db.QueryRow("SELECT credits FROM users WHERE facebook_user_id = ?", ownerID).Scan(&credits)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return 0, ErrNoCredits
}

// AddCredits tops up the owner's balance and returns the new total.
func (s *Store) AddCredits(ownerID string, amount int) (int, error) {
	res, err := s.db.Exec("UPDATE users SET credits = credits + ? WHERE facebook_user_id = ?", amount, ownerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	var total int
	if err := s.db.QueryRow("SELECT credits FROM users WHERE facebook_user_id = ?", ownerID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// --- Products ---

// InsertProduct adds a catalog item. Embeddings may be nil for pending
// products awaiting the ingest worker.
func (s *Store) InsertProduct(p Product) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := p.Status
	if status == "" {
		status = ProductPending
	}
	_, err := s.db.Exec(`
		INSERT INTO products (id, shop_id, name, price, image_url, image_path, embedding, aux_embedding, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ShopID, p.Name, p.Price, p.ImageURL, p.ImagePath,
		nullableVector(p.Embedding), nullableVector(p.AuxEmbedding), status,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// GetProduct returns the product with the given ID.
func (s *Store) GetProduct(id string) (Product, error) {
	row := s.db.QueryRow(`
		SELECT id, shop_id, name, price, image_url, image_path, embedding, aux_embedding, status, created_at
		FROM products WHERE id = ?`, id,
	)
	p, err := scanProduct(row.Scan)
	if err == sql.ErrNoRows {
		return Product{}, ErrNotFound
	}
	return p, err
}

// ListProductsByShop returns the shop's products, newest first.
func (s *Store) ListProductsByShop(shopID int64, limit int) ([]Product, error) {
	rows, err := s.db.Query(`
		SELECT id, shop_id, name, price, image_url, image_path, embedding, aux_embedding, status, created_at
		FROM products WHERE shop_id = ? ORDER BY created_at DESC LIMIT ?`, shopID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpdateProductEmbeddings stores the vectors for a product and marks it ready.
func (s *Store) UpdateProductEmbeddings(id string, embedding, auxEmbedding []float32) error {
	res, err := s.db.Exec(`
		UPDATE products SET embedding = ?, aux_embedding = ?, status = ? WHERE id = ?`,
		EncodeVector(embedding), EncodeVector(auxEmbedding), ProductReady, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProduct removes a product by ID.
func (s *Store) DeleteProduct(id string) error {
	res, err := s.db.Exec("DELETE FROM products WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProduct(scan func(dest ...any) error) (Product, error) {
	var p Product
	var embedding, auxEmbedding []byte
	var createdAt string
	if err := scan(&p.ID, &p.ShopID, &p.Name, &p.Price, &p.ImageURL, &p.ImagePath,
		&embedding, &auxEmbedding, &p.Status, &createdAt); err != nil {
		return Product{}, err
	}
	var err error
	if len(embedding) > 0 {
		if p.Embedding, err = DecodeVector(embedding); err != nil {
			return Product{}, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
		}
	}
	if len(auxEmbedding) > 0 {
		if p.AuxEmbedding, err = DecodeVector(auxEmbedding); err != nil {
			return Product{}, fmt.Errorf("decoding aux embedding for %s: %w", p.ID, err)
		}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Product{}, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
	}
	return p, nil
}

func nullableVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return EncodeVector(v)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
