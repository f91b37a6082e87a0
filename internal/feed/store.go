package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errEmptyComment      = fmt.Errorf("%w: comment body is required", ErrInvalidPost)
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew       = "feed.store.new"
	opUpsertUser     = "feed.upsert_user"
	opFetchUser      = "feed.fetch_user"
	opAddFriendship  = "feed.add_friendship"
	opFriendIDs      = "feed.friend_ids"
	opCreatePost     = "feed.create_post"
	opAddComment     = "feed.add_comment"
	opFetchFeed      = "feed.fetch_feed"
	opFetchPost      = "feed.fetch_post"
	opToggleLike     = "feed.toggle_like"
	sqlPostIDEquals  = "post_id = ?"
	sqlUserIDEquals  = "user_id = ?"
	sqlPostIDIn      = "post_id IN ?"
	sqlUserIDIn      = "user_id IN ?"
	sqlLikeOwnership = "post_id = ? AND user_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the SQL-backed feed store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the SQL-backed post/user source. It implements Source.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

var _ Source = (*Store)(nil)

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// UpsertUser creates or refreshes an author profile.
func (s *Store) UpsertUser(ctx context.Context, user User) error {
	userID, err := validateID(user.ID)
	if err != nil {
		return newServiceError(opUpsertUser, "invalid_user_id", err)
	}
	row := UserRow{
		UserID:         userID,
		Name:           strings.TrimSpace(user.Name),
		Username:       strings.TrimSpace(user.Username),
		ProfilePicture: strings.TrimSpace(user.ProfilePicture),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "username", "profile_picture"}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opUpsertUser, "write_failed", err, zap.String("user_id", userID))
		return newServiceError(opUpsertUser, "write_failed", err)
	}
	return nil
}

// FetchUser returns the author profile with its friend list.
func (s *Store) FetchUser(ctx context.Context, userID string) (User, error) {
	var row UserRow
	if err := s.db.WithContext(ctx).Where(sqlUserIDEquals, userID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, newServiceError(opFetchUser, "user_not_found", ErrUserNotFound)
		}
		s.logError(opFetchUser, "query_failed", err, zap.String("user_id", userID))
		return User{}, newServiceError(opFetchUser, "query_failed", err)
	}
	friendIDs, err := s.FriendIDs(ctx, userID)
	if err != nil {
		return User{}, err
	}
	user := row.user()
	user.Friends = friendIDs
	return user, nil
}

// AddFriendship links two existing users in both directions.
func (s *Store) AddFriendship(ctx context.Context, userID, friendID string) error {
	left, err := validateID(userID)
	if err != nil {
		return newServiceError(opAddFriendship, "invalid_user_id", err)
	}
	right, err := validateID(friendID)
	if err != nil {
		return newServiceError(opAddFriendship, "invalid_friend_id", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&UserRow{}).Where(sqlUserIDIn, []string{left, right}).Count(&count).Error; err != nil {
			s.logError(opAddFriendship, "user_lookup_failed", err, zap.String("user_id", left))
			return newServiceError(opAddFriendship, "user_lookup_failed", err)
		}
		expected := int64(2)
		if left == right {
			expected = 1
		}
		if count != expected {
			return newServiceError(opAddFriendship, "user_not_found", ErrUserNotFound)
		}
		rows := []FriendshipRow{{UserID: left, FriendID: right}, {UserID: right, FriendID: left}}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			s.logError(opAddFriendship, "write_failed", err, zap.String("user_id", left), zap.String("friend_id", right))
			return newServiceError(opAddFriendship, "write_failed", err)
		}
		return nil
	})
}

// FriendIDs lists the user's friends in id order.
func (s *Store) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	var friendIDs []string
	err := s.db.WithContext(ctx).Model(&FriendshipRow{}).
		Where(sqlUserIDEquals, userID).
		Order("friend_id ASC").
		Pluck("friend_id", &friendIDs).Error
	if err != nil {
		s.logError(opFriendIDs, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFriendIDs, "query_failed", err)
	}
	return friendIDs, nil
}

// CreatePost stores a new post authored by input.UserID.
func (s *Store) CreatePost(ctx context.Context, input NewPost) (Post, error) {
	userID, err := validateID(input.UserID)
	if err != nil {
		return Post{}, newServiceError(opCreatePost, "invalid_user_id", err)
	}
	if err := input.validate(); err != nil {
		return Post{}, newServiceError(opCreatePost, "invalid_post", err)
	}
	postID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreatePost, "id_generation_failed", err, zap.String("user_id", userID))
		return Post{}, newServiceError(opCreatePost, "id_generation_failed", err)
	}

	row := PostRow{
		PostID:           postID,
		UserID:           userID,
		ImageURL:         strings.TrimSpace(input.ImageURL),
		CreatedAtSeconds: s.clock().UTC().Unix(),
		Review:           input.Review,
		Location:         strings.TrimSpace(input.Location),
		RestaurantName:   strings.TrimSpace(input.RestaurantName),
		StarRating:       input.StarRating,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreatePost, "write_failed", err, zap.String("user_id", userID))
		return Post{}, newServiceError(opCreatePost, "write_failed", err)
	}
	return row.post(nil, nil), nil
}

// AddComment appends a comment to a post and returns the updated post.
func (s *Store) AddComment(ctx context.Context, postID, userID, body string) (Post, error) {
	author, err := validateID(userID)
	if err != nil {
		return Post{}, newServiceError(opAddComment, "invalid_user_id", err)
	}
	if strings.TrimSpace(body) == "" {
		return Post{}, newServiceError(opAddComment, "empty_body", errEmptyComment)
	}
	commentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddComment, "id_generation_failed", err, zap.String("post_id", postID))
		return Post{}, newServiceError(opAddComment, "id_generation_failed", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row PostRow
		if err := tx.Where(sqlPostIDEquals, postID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opAddComment, "post_not_found", ErrPostNotFound)
			}
			s.logError(opAddComment, "post_select_failed", err, zap.String("post_id", postID))
			return newServiceError(opAddComment, "post_select_failed", err)
		}
		comment := CommentRow{
			CommentID:        commentID,
			PostID:           postID,
			UserID:           author,
			Body:             body,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&comment).Error; err != nil {
			s.logError(opAddComment, "write_failed", err, zap.String("post_id", postID))
			return newServiceError(opAddComment, "write_failed", err)
		}
		return nil
	})
	if err != nil {
		return Post{}, err
	}
	return s.FetchPost(ctx, postID)
}

// FetchFeedWithUsers returns the posts of userID and their friends, newest first, each paired
// with its author. Authors without a profile row get a bare User carrying only the id.
func (s *Store) FetchFeedWithUsers(ctx context.Context, userID string) ([]Entry, error) {
	friendIDs, err := s.FriendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	authorIDs := append([]string{userID}, friendIDs...)
	db := s.db.WithContext(ctx)

	var rows []PostRow
	if err := db.Where(sqlUserIDIn, authorIDs).
		Order("created_at_s DESC").
		Order("post_id DESC").
		Find(&rows).Error; err != nil {
		s.logError(opFetchFeed, "post_query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFetchFeed, "post_query_failed", err)
	}
	if len(rows) == 0 {
		return []Entry{}, nil
	}

	var userRows []UserRow
	if err := db.Where(sqlUserIDIn, authorIDs).Find(&userRows).Error; err != nil {
		s.logError(opFetchFeed, "user_query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFetchFeed, "user_query_failed", err)
	}
	usersByID := make(map[string]User, len(userRows))
	for _, userRow := range userRows {
		usersByID[userRow.UserID] = userRow.user()
	}

	postIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		postIDs = append(postIDs, row.PostID)
	}
	likes, comments, err := s.loadReactions(db, postIDs)
	if err != nil {
		s.logError(opFetchFeed, "reaction_query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFetchFeed, "reaction_query_failed", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		author, ok := usersByID[row.UserID]
		if !ok {
			author = User{ID: row.UserID}
		}
		entries = append(entries, Entry{
			Post: row.post(likes[row.PostID], comments[row.PostID]),
			User: author,
		})
	}
	return entries, nil
}

// FetchPost returns a single post by id.
func (s *Store) FetchPost(ctx context.Context, postID string) (Post, error) {
	db := s.db.WithContext(ctx)
	var row PostRow
	if err := db.Where(sqlPostIDEquals, postID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Post{}, newServiceError(opFetchPost, "post_not_found", ErrPostNotFound)
		}
		s.logError(opFetchPost, "query_failed", err, zap.String("post_id", postID))
		return Post{}, newServiceError(opFetchPost, "query_failed", err)
	}
	likes, comments, err := s.loadReactions(db, []string{postID})
	if err != nil {
		s.logError(opFetchPost, "reaction_query_failed", err, zap.String("post_id", postID))
		return Post{}, newServiceError(opFetchPost, "reaction_query_failed", err)
	}
	return row.post(likes[postID], comments[postID]), nil
}

// ToggleLike flips userID's like on a post. The client's view of the like state decides the
// direction; the stored like set decides the returned count.
func (s *Store) ToggleLike(ctx context.Context, postID, userID string, currentlyLiked bool) (int, bool, error) {
	liker, err := validateID(userID)
	if err != nil {
		return 0, false, newServiceError(opToggleLike, "invalid_user_id", err)
	}

	var likeCount int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row PostRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(sqlPostIDEquals, postID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opToggleLike, "post_not_found", ErrPostNotFound)
		}
		if err != nil {
			s.logError(opToggleLike, "post_select_failed", err, zap.String("post_id", postID))
			return newServiceError(opToggleLike, "post_select_failed", err)
		}

		if currentlyLiked {
			err = tx.Where(sqlLikeOwnership, postID, liker).Delete(&LikeRow{}).Error
		} else {
			err = tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&LikeRow{PostID: postID, UserID: liker, LikedAtSeconds: s.clock().UTC().Unix()}).Error
		}
		if err != nil {
			s.logError(opToggleLike, "like_write_failed", err, zap.String("post_id", postID), zap.String("user_id", liker))
			return newServiceError(opToggleLike, "like_write_failed", err)
		}

		if err := tx.Model(&LikeRow{}).Where(sqlPostIDEquals, postID).Count(&likeCount).Error; err != nil {
			s.logError(opToggleLike, "like_count_failed", err, zap.String("post_id", postID))
			return newServiceError(opToggleLike, "like_count_failed", err)
		}
		if err := tx.Model(&PostRow{}).Where(sqlPostIDEquals, postID).Update("like_count", likeCount).Error; err != nil {
			s.logError(opToggleLike, "post_update_failed", err, zap.String("post_id", postID))
			return newServiceError(opToggleLike, "post_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return 0, false, txErr
	}
	return int(likeCount), !currentlyLiked, nil
}

func (s *Store) loadReactions(db *gorm.DB, postIDs []string) (map[string][]string, map[string][]string, error) {
	var likeRows []LikeRow
	if err := db.Where(sqlPostIDIn, postIDs).Order("liked_at_s ASC").Order("user_id ASC").Find(&likeRows).Error; err != nil {
		return nil, nil, err
	}
	var commentRows []CommentRow
	if err := db.Where(sqlPostIDIn, postIDs).Order("created_at_s ASC").Order("comment_id ASC").Find(&commentRows).Error; err != nil {
		return nil, nil, err
	}
	likes := make(map[string][]string)
	for _, like := range likeRows {
		likes[like.PostID] = append(likes[like.PostID], like.UserID)
	}
	comments := make(map[string][]string)
	for _, comment := range commentRows {
		comments[comment.PostID] = append(comments[comment.PostID], comment.CommentID)
	}
	return likes, comments, nil
}

func (r PostRow) post(likedBy, comments []string) Post {
	if likedBy == nil {
		likedBy = []string{}
	}
	if comments == nil {
		comments = []string{}
	}
	return Post{
		ID:             r.PostID,
		UserID:         r.UserID,
		ImageURL:       r.ImageURL,
		Timestamp:      time.Unix(r.CreatedAtSeconds, 0).UTC(),
		Review:         r.Review,
		Location:       r.Location,
		RestaurantName: r.RestaurantName,
		Likes:          r.LikeCount,
		LikedBy:        likedBy,
		StarRating:     r.StarRating,
		Comments:       comments,
	}
}

func (r UserRow) user() User {
	return User{
		ID:             r.UserID,
		Name:           r.Name,
		Username:       r.Username,
		ProfilePicture: r.ProfilePicture,
	}
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("feed store error", attrs...)
}
