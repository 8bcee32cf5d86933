package domain

type Location struct {
	Country string `json:"country" validate:"required"`
	City    string `json:"city" validate:"required"`
}

type FacebookUser struct {
	UserID   string   `json:"userId" validate:"required"`
	Name     *string  `json:"name" validate:"required"`
	Age      *int     `json:"age" validate:"required"`
	Gender   string   `json:"gender" validate:"required,oneof=male female non-binary"`
	Location Location `json:"location"`
}

func (u *FacebookUser) ExternalID() string { return u.UserID }
func (u *FacebookUser) userSource() Source { return SourceFacebook }

type FacebookTopEngagement struct {
	ActionTime string  `json:"actionTime" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Referrer   string  `json:"referrer" validate:"required,oneof=newsfeed marketplace groups"`
	VideoID    *string `json:"videoId"`
}

func (e *FacebookTopEngagement) Stage() FunnelStage       { return StageTop }
func (e *FacebookTopEngagement) engagementSource() Source { return SourceFacebook }

type FacebookBottomEngagement struct {
	AdID           string  `json:"adId" validate:"required"`
	CampaignID     string  `json:"campaignId" validate:"required"`
	ClickPosition  string  `json:"clickPosition" validate:"required,oneof=top_left bottom_right center"`
	Device         string  `json:"device" validate:"required,oneof=mobile desktop"`
	Browser        string  `json:"browser" validate:"required,oneof=Chrome Firefox Safari"`
	PurchaseAmount *string `json:"purchaseAmount" validate:"omitempty,numeric"`
}

func (e *FacebookBottomEngagement) Stage() FunnelStage       { return StageBottom }
func (e *FacebookBottomEngagement) engagementSource() Source { return SourceFacebook }

type TiktokUser struct {
	UserID    string  `json:"userId" validate:"required"`
	Username  *string `json:"username" validate:"required"`
	Followers *int64  `json:"followers" validate:"required"`
}

func (u *TiktokUser) ExternalID() string { return u.UserID }
func (u *TiktokUser) userSource() Source { return SourceTiktok }

type TiktokTopEngagement struct {
	WatchTime         *float64 `json:"watchTime" validate:"required"`
	PercentageWatched *float64 `json:"percentageWatched" validate:"required"`
	Device            string   `json:"device" validate:"required,oneof=Android iOS Desktop"`
	Country           *string  `json:"country" validate:"required"`
	VideoID           string   `json:"videoId" validate:"required"`
}

func (e *TiktokTopEngagement) Stage() FunnelStage       { return StageTop }
func (e *TiktokTopEngagement) engagementSource() Source { return SourceTiktok }

type TiktokBottomEngagement struct {
	ActionTime     string  `json:"actionTime" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	ProfileID      *string `json:"profileId"`
	PurchasedItem  *string `json:"purchasedItem"`
	PurchaseAmount *string `json:"purchaseAmount" validate:"omitempty,numeric"`
}

func (e *TiktokBottomEngagement) Stage() FunnelStage       { return StageBottom }
func (e *TiktokBottomEngagement) engagementSource() Source { return SourceTiktok }
