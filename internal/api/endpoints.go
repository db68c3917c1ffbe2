package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

func tokenFrom(v Value) (string, error) {
	switch v.Kind {
	case KindJSON:
		var out tokenResponse
		if err := v.Decode(&out); err != nil {
			var s string
			if v.Decode(&s) == nil && s != "" {
				return s, nil
			}
			return "", err
		}
		if out.AccessToken == "" {
			return "", fmt.Errorf("%w: missing accessToken", ErrDecodeAmbiguous)
		}
		return out.AccessToken, nil
	case KindText:
		return v.Text(), nil
	}
	return "", fmt.Errorf("%w: token response is %s", ErrDecodeAmbiguous, v.Kind)
}

// Login exchanges the credential payload for a token and stores it on the
// client. An unregistered account yields ErrAccountNotFound.
func (c *Client) Login(ctx context.Context, authData string) error {
	v, err := c.Do(ctx, Post("auth/login").Public().WithText(authData))
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return fmt.Errorf("%w: %w", ErrAccountNotFound, err)
		}
		return err
	}
	token, err := tokenFrom(v)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.SetToken(token)
	return nil
}

// Register creates the account and stores the returned token.
func (c *Client) Register(ctx context.Context, authData, referralCode string) error {
	body := map[string]any{
		"authData":     authData,
		"language":     strings.ToUpper(c.lang),
		"referralCode": nil,
	}
	if referralCode != "" {
		body["referralCode"] = referralCode
	}
	v, err := c.Do(ctx, Post("auth/register").Public().WithJSON(body))
	if err != nil {
		return err
	}
	token, err := tokenFrom(v)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.SetToken(token)
	return nil
}

// Authenticate logs in and falls back to registration for unknown accounts.
// registered reports whether the fallback ran.
func (c *Client) Authenticate(ctx context.Context, authData, referralCode string) (registered bool, err error) {
	err = c.Login(ctx, authData)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return false, err
	}
	if err := c.Register(ctx, authData, referralCode); err != nil {
		return true, fmt.Errorf("register: %w", err)
	}
	return true, nil
}

func (c *Client) UserInfo(ctx context.Context) (User, error) {
	var u User
	v, err := c.Do(ctx, Get("user/current").WithQuery("lang", strings.ToUpper(c.lang)))
	if err != nil {
		return u, err
	}
	return u, v.Decode(&u)
}

// ClaimStartBonus claims the one-time bonus.
func (c *Client) ClaimStartBonus(ctx context.Context) error {
	_, err := c.Do(ctx, Post("farming/startBonus"))
	return err
}

func (c *Client) StreakInfo(ctx context.Context, timezone string) (Streak, error) {
	var s Streak
	v, err := c.Do(ctx, Get("streak/current/info").WithQuery("timezone", timezone))
	if err != nil {
		return s, err
	}
	return s, v.Decode(&s)
}

// ClaimStreak claims today's streak reward, buying a freeze for missed days when payForFreeze is set.
func (c *Client) ClaimStreak(ctx context.Context, timezone string, payForFreeze bool) error {
	op := Post("streak/current/claim").
		WithQuery("timezone", timezone).
		WithQuery("payForFreeze", strconv.FormatBool(payForFreeze))
	_, err := c.Do(ctx, op)
	return err
}

func (c *Client) ActiveStories(ctx context.Context) ([]ID, error) {
	var items []storyWire
	v, err := c.Do(ctx, Get("story/active"))
	if err != nil {
		return nil, err
	}
	if err := v.Decode(&items); err != nil {
		return nil, err
	}
	out := make([]ID, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out, nil
}

// CurrentStories lists the ids of stories this account has already read.
func (c *Client) CurrentStories(ctx context.Context) ([]ID, error) {
	var items []readStoryWire
	v, err := c.Do(ctx, Get("story/current"))
	if err != nil {
		return nil, err
	}
	if err := v.Decode(&items); err != nil {
		return nil, err
	}
	out := make([]ID, 0, len(items))
	for _, it := range items {
		out = append(out, it.Story.ID)
	}
	return out, nil
}

// ReadStory marks a story read and returns its reward.
func (c *Client) ReadStory(ctx context.Context, id ID) (float64, error) {
	v, err := c.Do(ctx, Post("story/read/"+string(id)))
	if err != nil {
		return 0, err
	}
	return rewardFrom(v)
}

func (c *Client) ActiveTasks(ctx context.Context) ([]Task, error) {
	var items []activeTaskWire
	v, err := c.Do(ctx, Get("task/active").WithQuery("lang", strings.ToUpper(c.lang)))
	if err != nil {
		return nil, err
	}
	if err := v.Decode(&items); err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(items))
	for _, it := range items {
		out = append(out, it.task())
	}
	return out, nil
}

func (c *Client) CurrentTasks(ctx context.Context) ([]UserTask, error) {
	var items []UserTask
	v, err := c.Do(ctx, Get("task/current"))
	if err != nil {
		return nil, err
	}
	if err := v.Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

// StartTask begins a task and returns its completion id.
func (c *Client) StartTask(ctx context.Context, t Task) (ID, error) {
	body := map[string]any{
		"taskId": t.ID,
		"type":   t.Type.Raw,
		"lang":   strings.ToUpper(c.lang),
	}
	v, err := c.Do(ctx, Post("task/start").WithJSON(body))
	if err != nil {
		return "", err
	}
	if n, ok := v.Number(); ok {
		return ID(strconv.FormatFloat(n, 'f', -1, 64)), nil
	}
	var out struct {
		ID ID `json:"id"`
	}
	if err := v.Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: start returned no completion id", ErrDecodeAmbiguous)
	}
	return out.ID, nil
}

// VerifyTask asks the service to check an external side action. It returns
// the acknowledgment status; callers expect "VERIFYING".
func (c *Client) VerifyTask(ctx context.Context, completionID ID, t Task) (string, error) {
	body := map[string]any{
		"userTaskId":        completionID,
		"type":              t.Type.Raw,
		"telegramChannelId": t.ChannelID,
	}
	v, err := c.Do(ctx, Post("task/verify").WithJSON(body))
	if err != nil {
		return "", err
	}
	if v.Kind == KindText {
		return v.Text(), nil
	}
	var s string
	if v.Decode(&s) == nil {
		return s, nil
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := v.Decode(&out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// ClaimTask claims a completed task and returns the reward.
func (c *Client) ClaimTask(ctx context.Context, completionID ID) (float64, error) {
	v, err := c.Do(ctx, Post("task/claim/"+string(completionID)))
	if err != nil {
		return 0, err
	}
	return rewardFrom(v)
}

func (c *Client) FarmingStatus(ctx context.Context) (FarmingState, error) {
	var st FarmingState
	v, err := c.Do(ctx, Get("farming/current"))
	if err != nil {
		return st, err
	}
	return st, v.Decode(&st)
}

func (c *Client) StartFarming(ctx context.Context) error {
	_, err := c.Do(ctx, Post("farming/farm"))
	return err
}

// ClaimFarming claims the farming reward. An empty body counts as success
// with an unknown amount.
func (c *Client) ClaimFarming(ctx context.Context) (float64, error) {
	v, err := c.Do(ctx, Post("farming/claim"))
	if err != nil {
		return 0, err
	}
	if v.Kind == KindEmpty {
		return 0, nil
	}
	return rewardFrom(v)
}

func rewardFrom(v Value) (float64, error) {
	if n, ok := v.Number(); ok {
		return n, nil
	}
	if v.Kind == KindEmpty {
		return 0, nil
	}
	if v.Kind == KindJSON {
		var s string
		if v.Decode(&s) == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: want number, got %s %q", ErrDecodeAmbiguous, v.Kind, truncate(v.Text(), 80))
}
