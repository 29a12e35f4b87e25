// User HTTP handlers.
//
//   - GET   /me            (profile)
//   - PATCH /me            (username, color, avatar_url)
//   - POST  /me/avatar     (multipart image upload)
//   - GET   /friends       (list)
//   - POST  /friends       (befriend by username, opens the private room)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/services"
)

// AddFriendRequest names the user to befriend.
type AddFriendRequest struct {
	Username string `json:"username" binding:"required" example:"alice"`
}

// AddFriendResponse is the new friend and the private room shared with them.
type AddFriendResponse struct {
	Friend *domain.User     `json:"friend"`
	Room   *domain.ChatRoom `json:"room"`
}

// GetMe godoc
// @ID          getMe
// @Summary     Current user profile
// @Tags        Users
// @Produce     json
// @Success     200  {object}  domain.User
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /me [get]
func (h *Handlers) GetMe(c *gin.Context) {
	u, err := h.chat.GetUser(c.Request.Context(), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// UpdateMe godoc
// @ID          updateMe
// @Summary     Edit profile
// @Description Username is 3-32 letters, digits, dot, dash or underscore and unique ignoring case. Color is #RRGGBB.
// @Tags        Users
// @Accept      json
// @Produce     json
// @Param       body  body      services.ProfileUpdate  true  "Fields to change"
// @Success     200   {object}  domain.User
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse  "Username taken"
// @Router      /me [patch]
func (h *Handlers) UpdateMe(c *gin.Context) {
	var req services.ProfileUpdate
	if !bindJSON(c, &req) {
		return
	}
	u, err := h.chat.UpdateProfile(c.Request.Context(), userID(c), req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// UploadAvatar godoc
// @ID          uploadAvatar
// @Summary     Upload avatar image
// @Tags        Users
// @Accept      multipart/form-data
// @Produce     json
// @Param       file  formData  file  true  "Image (max 2 MiB)"
// @Success     200   {object}  services.UploadResult
// @Failure     413   {object}  handlers.ErrorResponse
// @Failure     415   {object}  handlers.ErrorResponse
// @Router      /me/avatar [post]
func (h *Handlers) UploadAvatar(c *gin.Context) {
	h.upload(c, "", services.UploadAvatar, http.StatusOK)
}

// ListFriends godoc
// @ID          listFriends
// @Summary     List friends
// @Tags        Users
// @Produce     json
// @Success     200  {array}  domain.User
// @Router      /friends [get]
func (h *Handlers) ListFriends(c *gin.Context) {
	friends, err := h.chat.ListFriends(c.Request.Context(), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, friends)
}

// AddFriend godoc
// @ID          addFriend
// @Summary     Add a friend
// @Description Befriends the named user in both directions and returns the private room between the two.
// @Tags        Users
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.AddFriendRequest  true  "Friend username"
// @Success     201   {object}  handlers.AddFriendResponse
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Router      /friends [post]
func (h *Handlers) AddFriend(c *gin.Context) {
	var req AddFriendRequest
	if !bindJSON(c, &req) {
		return
	}
	friend, room, err := h.chat.AddFriend(c.Request.Context(), userID(c), strings.TrimSpace(req.Username))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, AddFriendResponse{Friend: friend, Room: room})
}

// upload streams the multipart "file" field into UploadFile.
func (h *Handlers) upload(c *gin.Context, roomID, kind string, status int) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "multipart field \"file\" required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable upload")
		return
	}
	defer f.Close()

	res, err := h.chat.UploadFile(c.Request.Context(), userID(c), roomID, kind, services.Upload{
		Name: fh.Filename,
		Size: fh.Size,
		Body: f,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, status, res)
}
