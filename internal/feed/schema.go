package feed

// PostRow is the persisted post.
type PostRow struct {
	PostID           string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_posts_user_created,priority:1"`
	ImageURL         string `gorm:"column:image_url;size:2048;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_posts_user_created,priority:2"`
	Review           string `gorm:"column:review;type:text;not null;default:''"`
	Location         string `gorm:"column:location;size:64;not null"`
	RestaurantName   string `gorm:"column:restaurant_name;size:320;not null"`
	StarRating       int    `gorm:"column:star_rating;not null;default:0"`
	LikeCount        int    `gorm:"column:like_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PostRow) TableName() string {
	return "posts"
}

// LikeRow records that a user liked a post.
type LikeRow struct {
	PostID         string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LikedAtSeconds int64  `gorm:"column:liked_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LikeRow) TableName() string {
	return "post_likes"
}

// CommentRow is a comment attached to a post.
type CommentRow struct {
	CommentID        string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	PostID           string `gorm:"column:post_id;size:190;not null;index:idx_comments_post_created,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_comments_post_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (CommentRow) TableName() string {
	return "post_comments"
}

// UserRow is the persisted author profile.
type UserRow struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Name           string `gorm:"column:name;size:320;not null;default:''"`
	Username       string `gorm:"column:username;size:190;not null;default:''"`
	ProfilePicture string `gorm:"column:profile_picture;size:2048;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (UserRow) TableName() string {
	return "feed_users"
}

// FriendshipRow is one direction of a friendship. Friendships are stored in both directions.
type FriendshipRow struct {
	UserID   string `gorm:"column:user_id;primaryKey;size:190;not null"`
	FriendID string `gorm:"column:friend_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FriendshipRow) TableName() string {
	return "friendships"
}

// Models lists every table owned by the feed store, for schema migration.
func Models() []any {
	return []any{&PostRow{}, &LikeRow{}, &CommentRow{}, &UserRow{}, &FriendshipRow{}}
}
