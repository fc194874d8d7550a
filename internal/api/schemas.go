package api

const loginSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["email", "password"],
  "properties": {
    "email": {"type": "string", "minLength": 3, "maxLength": 255},
    "password": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const childLoginSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["access_code"],
  "properties": {
    "access_code": {"type": "string", "minLength": 1, "maxLength": 64}
  }
}`

const createUserSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["email", "password", "role"],
  "properties": {
    "email": {"type": "string", "minLength": 3, "maxLength": 255},
    "password": {"type": "string", "minLength": 8, "maxLength": 255},
    "name": {"type": "string", "maxLength": 255},
    "role": {"type": "string", "enum": ["admin", "parent"]}
  }
}`

const createChildSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["first_name", "access_code"],
  "properties": {
    "first_name": {"type": "string", "minLength": 1, "maxLength": 100},
    "access_code": {"type": "string", "minLength": 4, "maxLength": 64},
    "parent_id": {"type": "string"}
  }
}`

const accessCodeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["access_code"],
  "properties": {
    "access_code": {"type": "string", "minLength": 4, "maxLength": 64}
  }
}`

const recordTransactionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["type", "amount"],
  "properties": {
    "child_id": {"type": "string"},
    "account_id": {"type": "string"},
    "account_type": {"type": "string", "enum": ["checking", "savings", "college_savings"]},
    "type": {"type": "string", "enum": ["credit", "debit"]},
    "amount": {"type": "integer", "minimum": 1},
    "memo": {"type": "string", "maxLength": 500},
    "timestamp": {"type": "string", "format": "date-time"}
  }
}`

const amendTransactionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "type": {"type": "string", "enum": ["credit", "debit"]},
    "amount": {"type": "integer", "minimum": 1},
    "memo": {"type": "string", "maxLength": 500}
  }
}`

const interestRateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["interest_rate"],
  "properties": {
    "interest_rate": {"type": "number", "minimum": 0},
    "account_type": {"type": "string", "enum": ["checking", "savings", "college_savings"]}
  }
}`

const penaltyRateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["penalty_interest_rate"],
  "properties": {
    "penalty_interest_rate": {"type": "number", "minimum": 0},
    "account_type": {"type": "string", "enum": ["checking", "savings", "college_savings"]}
  }
}`

const cdPenaltyRateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["cd_penalty_rate"],
  "properties": {
    "cd_penalty_rate": {"type": "number", "minimum": 0}
  }
}`

const loanRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "child_id": {"type": "string"},
    "amount": {"type": "integer", "minimum": 1},
    "purpose": {"type": "string", "maxLength": 500}
  }
}`

const loanApproveSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["interest_rate"],
  "properties": {
    "interest_rate": {"type": "number", "minimum": 0},
    "terms": {"type": "string", "maxLength": 2000}
  }
}`

const amountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "amount": {"type": "integer", "minimum": 1}
  }
}`

const loanRateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["interest_rate"],
  "properties": {
    "interest_rate": {"type": "number", "minimum": 0}
  }
}`

const cdOfferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["child_id", "amount", "interest_rate", "term_days"],
  "properties": {
    "child_id": {"type": "string", "minLength": 1},
    "amount": {"type": "integer", "minimum": 1},
    "interest_rate": {"type": "number", "minimum": 0},
    "term_days": {"type": "integer", "minimum": 1},
    "account_type": {"type": "string", "enum": ["checking", "savings", "college_savings"]}
  }
}`

const withdrawalRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount"],
  "properties": {
    "child_id": {"type": "string"},
    "account_type": {"type": "string", "enum": ["checking", "savings", "college_savings"]},
    "amount": {"type": "integer", "minimum": 1},
    "memo": {"type": "string", "maxLength": 500}
  }
}`
