package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mailzen/backend/internal/domain"
)

// 入站 webhook 认证相关的请求头
const (
	HeaderInboundToken     = "X-Mailzen-Inbound-Token"
	HeaderInboundSignature = "X-Mailzen-Inbound-Signature"
	HeaderInboundTimestamp = "X-Mailzen-Inbound-Timestamp"
)

// DefaultSignatureTolerance 签名时间戳默认允许的偏差
const DefaultSignatureTolerance = 5 * time.Minute

// maxThreadSubjectLength 参与线程键计算的主题最大长度
const maxThreadSubjectLength = 180

var (
	replyPrefixPattern = regexp.MustCompile(`(?i)^(re|fwd|fw)\s*:\s*`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// ExtractInboundToken 专用头优先，其次 Authorization: Bearer
func ExtractInboundToken(tokenHeader, authorization string) string {
	if token := strings.TrimSpace(tokenHeader); token != "" {
		return token
	}
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// authenticate 校验共享密钥。未配置密钥时生产环境拒绝服务，其它环境放行。
func (s *InboundService) authenticate(opts IngestOptions) error {
	expected := strings.TrimSpace(s.cfg.WebhookToken)
	if expected == "" {
		if s.production {
			return domain.ServiceUnavailable("MAILZEN_INBOUND_WEBHOOK_TOKEN must be configured in production")
		}
		s.log.Warn("inbound webhook token is not configured, authentication bypassed outside production")
		return nil
	}

	provided := strings.TrimSpace(opts.Token)
	if provided == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return domain.Unauthorized("Invalid inbound webhook token")
	}
	return nil
}

// verifySignature 配置了签名密钥时签名必填，返回是否完成校验
func (s *InboundService) verifySignature(ic *ingestContext) (bool, error) {
	key := strings.TrimSpace(s.cfg.SigningKey)
	if key == "" {
		return false, nil
	}

	provided := strings.TrimSpace(ic.opts.Signature)
	timestamp, ok := parseTimestamp(ic.opts.Timestamp)
	if provided == "" || !ok {
		return false, domain.Unauthorized("Invalid inbound webhook signature")
	}

	tolerance := s.cfg.SignatureTolerance
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	skew := s.now().UnixMilli() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance.Milliseconds() {
		return false, domain.Unauthorized("Inbound webhook signature expired")
	}

	expected := SignInboundPayload(key, timestamp, ic.input)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return false, domain.Unauthorized("Invalid inbound webhook signature")
	}
	return true, nil
}

// SignInboundPayload 计算入站签名：
// hex(HMAC-SHA256(key, "{timestampMs}.{mailboxEmail}.{from}.{messageId}.{subject}"))。
// 邮箱、发件人与 messageId 去空白并转小写，主题只去空白。
func SignInboundPayload(key string, timestampMs int64, input InboundMessageInput) string {
	payload := strings.Join([]string{
		strconv.FormatInt(timestampMs, 10),
		domain.NormalizeEmail(input.MailboxEmail),
		domain.NormalizeEmail(input.From),
		normalizeMessageID(input.MessageID),
		strings.TrimSpace(input.Subject),
	}, ".")

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// ThreadKey 计算会话键：msg:{inReplyTo}，其次 msg:{messageId}，
// 都缺失时对邮箱、发件人与归一化主题取 sha256 前 32 位。
func ThreadKey(mailboxEmail, from, subject, messageID, inReplyTo string) string {
	if replyTo := normalizeMessageID(inReplyTo); replyTo != "" {
		return "msg:" + replyTo
	}
	if id := normalizeMessageID(messageID); id != "" {
		return "msg:" + id
	}

	payload := strings.Join([]string{
		domain.NormalizeEmail(mailboxEmail),
		domain.NormalizeEmail(from),
		normalizeThreadSubject(subject),
	}, ".")
	sum := sha256.Sum256([]byte(payload))
	return "fallback:" + hex.EncodeToString(sum[:])[:32]
}

func normalizeThreadSubject(subject string) string {
	normalized := strings.ToLower(strings.TrimSpace(subject))
	normalized = replyPrefixPattern.ReplaceAllString(normalized, "")
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")
	if len(normalized) > maxThreadSubjectLength {
		normalized = domain.TruncateText(normalized, maxThreadSubjectLength)
	}
	return normalized
}

func parseTimestamp(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}
